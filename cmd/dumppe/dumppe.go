package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"unsafe"

	"github.com/syzytools/zaptimestamp/pe"
)

var dumpHeaders bool
var dumpSections bool
var dumpDebugInfo bool

func init() {
	flag.Usage = usage
	flag.BoolVar(&dumpHeaders, "headers", false, "dump essential headers")
	flag.BoolVar(&dumpSections, "sections", false, "dump section headers")
	flag.BoolVar(&dumpDebugInfo, "debuginfo", false, "dump debug directory and CodeView entries")
	flag.Parse()
}

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(), "Usage of %s:\n", os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintln(flag.CommandLine.Output(), "  <filePath>\n\tpath to PE file")
}

func usageln(args ...any) {
	fmt.Fprintln(flag.CommandLine.Output(), args...)
	usage()
	os.Exit(2)
}

func main() {
	filePath := flag.Arg(0)
	if filePath == "" {
		usageln("No file path provided")
	}

	im, err := pe.Open(filePath)
	if err != nil {
		log.Fatalf("error opening %q: %v\n", filePath, err)
	}
	defer im.Close()

	if dumpHeaders {
		runDumpHeaders(im)
	}
	if dumpSections {
		runDumpSections(im)
	}
	if dumpDebugInfo {
		runDumpDebugInfo(im)
	}
}

func runDumpHeaders(im *pe.Image) {
	fh := im.FileHeader()
	fmt.Printf("FileHeader (at %s):\n\n%#v\n\n", im.FileHeaderOffset(), fh)
	fmt.Printf("Is64Bit: %v\nChecksum offset: %s\n\n", im.Is64Bit(), im.ChecksumFileOffset())
}

func runDumpSections(im *pe.Image) {
	sections := im.Sections()
	fmt.Printf("%d sections:\n\n", len(sections))
	for i, sec := range sections {
		fmt.Printf("Index %2d: %s\n%#v\n\n", i, pe.SectionName(sec), sec)
	}
}

func runDumpDebugInfo(im *pe.Image) {
	layout, err := pe.Decompose(im)
	if err != nil {
		log.Fatalf("error decomposing image: %v\n", err)
	}

	ntBlock := layout.Blocks.Block(layout.NTHeadersIdx)
	ref, ok := ntBlock.GetReference(layout.DataDirEntryOffset(pe.DirectoryEntryDebug))
	if !ok {
		fmt.Println("no debug directory")
		return
	}

	dirBlock := layout.Blocks.Block(ref.Dest.BlockIndex)
	entrySize := int(unsafe.Sizeof(pe.DebugDirectoryEntry{}))
	for off := ref.Dest.Offset; off+entrySize <= dirBlock.Len(); off += entrySize {
		entryTB, err := pe.NewTypedBlock[pe.DebugDirectoryEntry](layout.Blocks, ref.Dest.BlockIndex, off)
		if err != nil {
			log.Fatalf("error reading debug directory entry: %v\n", err)
		}
		entry := entryTB.Value()
		fmt.Printf("Debug entry %d: %#v\n", (off-ref.Dest.Offset)/entrySize, entry)

		if entry.Type != pe.DebugTypeCodeView || entry.SizeOfData == 0 {
			continue
		}
		var e pe.DebugDirectoryEntry
		cv, err := pe.Dereference[pe.DebugDirectoryEntry, pe.CvInfoPdb70](entryTB, unsafe.Offsetof(e.AddressOfRawData))
		if err != nil {
			log.Fatalf("error dereferencing CodeView record: %v\n", err)
		}
		fmt.Printf("  CodeView: %#v\n", cv.Value())
	}
}
