package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"

	zaptimestamp "github.com/syzytools/zaptimestamp"
)

var (
	imagePath  string
	pdbPath    string
	outImage   string
	outPdb     string
	writeImage bool
	writePdb   bool
	overwrite  bool
	verbose    bool
)

func init() {
	flag.Usage = usage
	flag.StringVar(&imagePath, "image", "", "path to the PE image to canonicalize (required)")
	flag.StringVar(&pdbPath, "pdb", "", "path to the matching PDB, if any")
	flag.StringVar(&outImage, "out-image", "", "output image path (default: overwrite -image)")
	flag.StringVar(&outPdb, "out-pdb", "", "output PDB path (default: overwrite -pdb)")
	flag.BoolVar(&writeImage, "write-image", true, "write the canonicalized image")
	flag.BoolVar(&writePdb, "write-pdb", true, "write the canonicalized PDB")
	flag.BoolVar(&overwrite, "overwrite", false, "allow overwriting an existing output path that differs from the input")
	flag.BoolVar(&verbose, "v", false, "log each pipeline stage, including the derived content GUID")
	flag.Parse()
}

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(), "Usage of %s:\n", os.Args[0])
	flag.PrintDefaults()
}

func main() {
	if imagePath == "" {
		usage()
		log.Fatalf("error: %v", errors.New("-image is required"))
	}

	logger := log.New(os.Stderr, "", 0)
	if !verbose {
		logger.SetOutput(io.Discard)
	}

	z := zaptimestamp.New(zaptimestamp.Config{
		InputImage:  imagePath,
		InputPdb:    pdbPath,
		OutputImage: outImage,
		OutputPdb:   outPdb,
		WriteImage:  writeImage,
		WritePdb:    writePdb,
		Overwrite:   overwrite,
		Logger:      logger,
	})

	if err := z.Prepare(); err != nil {
		log.Fatalf("error preparing %q: %v", imagePath, err)
	}
	if err := z.Commit(); err != nil {
		log.Fatalf("error committing %q: %v", imagePath, err)
	}
}
