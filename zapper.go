// Copyright (c) 2024 The zaptimestamp Authors
// SPDX-License-Identifier: BSD-3-Clause

package zaptimestamp

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	"github.com/syzytools/zaptimestamp/guid"
	"github.com/syzytools/zaptimestamp/internal/winfs"
	"github.com/syzytools/zaptimestamp/mark"
	"github.com/syzytools/zaptimestamp/patch"
	"github.com/syzytools/zaptimestamp/pdb"
	"github.com/syzytools/zaptimestamp/pe"
)

// state names the orchestrator's position in its one-way pipeline.
type state int

const (
	stateNew state = iota
	stateValidated
	stateDecomposed
	stateMarked
	stateHashed
	statePdbPrepared
	stateCommitted
)

// Config holds every input the orchestrator needs before Prepare runs.
type Config struct {
	InputImage  string
	InputPdb    string // optional
	OutputImage string // defaults to InputImage
	OutputPdb   string // defaults to InputPdb
	WriteImage  bool
	WritePdb    bool
	Overwrite   bool

	// Logger receives one line per pipeline stage. Defaults to
	// log.Default(); pass a logger writing to io.Discard for silent
	// operation.
	Logger *log.Logger
}

// Zapper drives a single PE (and optional PDB) through the
// New → Validated → Decomposed → Marked → Hashed → PdbPrepared →
// Committed pipeline. Each step is terminal on failure: Zapper never
// rolls back on-disk state, because Commit is the first step that
// touches disk.
type Zapper struct {
	cfg   Config
	log   *log.Logger
	state state

	image      *pe.Image
	markResult *mark.Result
	guidDigest []byte

	pdbFile   *pdb.File
	hasPdb    bool
	newGUID   [16]byte
}

// New returns a Zapper ready to Prepare with cfg.
func New(cfg Config) *Zapper {
	if cfg.OutputImage == "" {
		cfg.OutputImage = cfg.InputImage
	}
	if cfg.OutputPdb == "" {
		cfg.OutputPdb = cfg.InputPdb
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Zapper{cfg: cfg, log: logger}
}

// Prepare validates inputs, decomposes and marks the image, derives the
// content GUID, and normalizes the PDB in memory, advancing the state
// machine through Validated, Decomposed, Marked, Hashed, and
// PdbPrepared. It never writes to disk.
func (z *Zapper) Prepare() error {
	if z.state != stateNew {
		return fmt.Errorf("%w: Prepare called out of order", ErrBadConfig)
	}
	if z.cfg.InputImage == "" {
		return fmt.Errorf("%w: input image path is required", ErrBadConfig)
	}

	im, err := pe.Open(z.cfg.InputImage)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedPE, err)
	}
	z.image = im
	z.hasPdb = z.cfg.InputPdb != ""
	z.state = stateValidated
	z.log.Printf("validated %s", z.cfg.InputImage)

	z.state = stateDecomposed // mark.Mark performs decomposition internally

	res, err := mark.Mark(z.image, DeterministicTimestamp, DeterministicAge, z.hasPdb)
	if err != nil {
		return z.wrapMarkError(err)
	}
	z.markResult = res
	z.state = stateMarked
	z.log.Printf("marked %d volatile field(s)", len(res.Space.Patches()))

	if !z.hasPdb {
		if path, ok := z.discoverPdb(res); ok {
			z.cfg.InputPdb = path
			if z.cfg.OutputPdb == "" {
				z.cfg.OutputPdb = path
			}
			z.hasPdb = true
			z.log.Printf("located %s via CodeView record", path)
		}
	}

	digest, err := guid.Sum(z.image.File(), z.image.Size(), res.Space)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	z.guidDigest = digest
	z.newGUID = NewGUIDFromDigest(digest)
	z.state = stateHashed
	z.log.Printf("derived content GUID %s", GUID(z.newGUID))

	if z.hasPdb {
		if err := z.preparePdb(); err != nil {
			return err
		}
		z.log.Printf("normalized %s", z.cfg.InputPdb)
	}
	z.state = statePdbPrepared

	return nil
}

// GUID returns the content-derived GUID computed by Prepare. It panics
// if called before Prepare has completed.
func (z *Zapper) GUID() GUID {
	if z.state < stateHashed {
		panic("zaptimestamp: GUID called before Prepare completed")
	}
	return GUID(z.newGUID)
}

// wrapMarkError attaches the root package's ErrMissingCodeView/
// ErrMultipleCodeView/ErrPatchConflict/ErrMissingReference/
// ErrTruncatedStructure sentinels (or ErrMalformedPE for anything else)
// to a mark package error, so callers can match on either level with
// errors.Is.
func (z *Zapper) wrapMarkError(err error) error {
	switch {
	case errors.Is(err, mark.ErrMissingCodeView):
		return fmt.Errorf("%w: %w", ErrMissingCodeView, err)
	case errors.Is(err, mark.ErrMultipleCodeView):
		return fmt.Errorf("%w: %w", ErrMultipleCodeView, err)
	case errors.Is(err, patch.ErrConflict):
		return fmt.Errorf("%w: %w", ErrPatchConflict, err)
	case errors.Is(err, pe.ErrMissingReference):
		return fmt.Errorf("%w: %w", ErrMissingReference, err)
	case errors.Is(err, pe.ErrTruncatedStructure):
		return fmt.Errorf("%w: %w", ErrTruncatedStructure, err)
	default:
		return fmt.Errorf("%w: %w", ErrMalformedPE, err)
	}
}

// discoverPdb locates a PDB from the image's own CodeView record when
// the caller did not supply one, first trying the embedded path
// verbatim and then that path's base name next to the image itself
// (the embedded path is almost always the build machine's own,
// meaningless on any other host).
func (z *Zapper) discoverPdb(res *mark.Result) (string, bool) {
	if !res.HasCodeView {
		return "", false
	}
	raw, err := mark.ReadCodeViewPath(z.image, res)
	if err != nil || raw == "" {
		return "", false
	}
	if _, err := os.Stat(raw); err == nil {
		return raw, true
	}
	candidate := filepath.Join(filepath.Dir(z.cfg.InputImage), filepath.Base(raw))
	if _, err := os.Stat(candidate); err == nil {
		return candidate, true
	}
	return "", false
}

// validatePdbMatch verifies f was built alongside the image, comparing
// the image's own CodeView GUID and age against the PDB's info stream
// before any normalization touches either. A mismatch here means the
// two files were paired incorrectly and canonicalizing them together
// would silently produce a PE and PDB that still don't match.
func (z *Zapper) validatePdbMatch(f *pdb.File) error {
	if !z.markResult.HasCodeView {
		return nil
	}
	peGUID, peAge, err := mark.ReadCodeViewGUIDAge(z.image, z.markResult)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedPE, err)
	}
	info, err := f.InfoHeader()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedPDB, err)
	}
	if peGUID != info.GUID || peAge != info.Age {
		return fmt.Errorf("%w: image references %s age %d, PDB has %s age %d",
			ErrPeAndPdbMismatch, GUID(peGUID), peAge, GUID(info.GUID), info.Age)
	}
	return nil
}

func (z *Zapper) preparePdb() error {
	f, err := pdb.Load(z.cfg.InputPdb)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedPDB, err)
	}
	z.pdbFile = f

	if err := z.validatePdbMatch(f); err != nil {
		return err
	}

	dbiHeader, err := f.DBIHeader()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedDBI, err)
	}

	if err := f.NormalizeInfoStream(DeterministicTimestamp, DeterministicAge, z.newGUID); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedPDB, err)
	}
	if err := f.NormalizeDBIStream(DeterministicAge); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedDBI, err)
	}
	if err := f.NormalizeSymbolRecordStream(int(dbiHeader.SymRecordStream)); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedPDB, err)
	}
	if err := f.NormalizePublicSymbolStream(int(dbiHeader.PublicStreamIndex)); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedPDB, err)
	}
	return nil
}

// Commit writes the prepared image and PDB to their output paths. If
// the output image path differs from the input, the input is copied
// there first (a canonical file-identity check, not string comparison,
// decides whether the two paths already name the same file, so
// in-place patching skips the copy). Patches are stamped in ascending
// order, skipping any whose replacement is still nil; the PE checksum
// is recomputed last, matching the documented late-failure mode: if
// checksum recomputation fails, the image is left stamped with a now
// invalid checksum.
func (z *Zapper) Commit() error {
	if z.state != statePdbPrepared {
		return fmt.Errorf("%w: Commit called before Prepare completed", ErrBadConfig)
	}
	defer z.image.Close()

	if z.cfg.WriteImage {
		if err := z.commitImage(); err != nil {
			return err
		}
	}
	if z.cfg.WritePdb && z.hasPdb {
		if err := z.commitPdb(); err != nil {
			return err
		}
	}

	z.state = stateCommitted
	z.log.Printf("committed %s", z.cfg.OutputImage)
	return nil
}

func (z *Zapper) commitImage() error {
	inPath := z.cfg.InputImage
	outPath := z.cfg.OutputImage

	sameFile, err := pathsIdentical(inPath, outPath)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	if !sameFile {
		if err := copyFile(inPath, outPath, z.cfg.Overwrite); err != nil {
			return err
		}
	}

	out, err := os.OpenFile(outPath, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("%w: opening output image: %v", ErrIO, err)
	}
	defer out.Close()

	for _, p := range z.markResult.Space.Patches() {
		switch p.Name {
		case mark.NamePDBGUID:
			continue // stamped below, once the CodeView GUID is known
		case mark.NamePEChecksum:
			continue // recomputed after every other patch is stamped
		}
		if p.Replacement == nil {
			continue
		}
		if err := writeAt(out, int64(p.Range.Start), p.Replacement); err != nil {
			return err
		}
	}

	if z.markResult.HasCodeView {
		if err := writeAt(out, int64(z.markResult.CodeViewGUIDRange.Start), z.newGUID[:]); err != nil {
			return err
		}
	}

	if err := out.Close(); err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}

	checksumOff := z.markResult.ChecksumRange.Start
	if err := winfs.UpdateFileChecksum(outPath, int64(checksumOff)); err != nil {
		// Documented late-failure mode: the image is already stamped.
		return fmt.Errorf("%w: recomputing checksum: %v", ErrIO, err)
	}
	return nil
}

func (z *Zapper) commitPdb() error {
	destDir := filepath.Dir(z.cfg.OutputPdb)
	tmpDir, err := os.MkdirTemp(destDir, ".zaptimestamp-pdb-*")
	if err != nil {
		return fmt.Errorf("%w: creating temp dir: %v", ErrIO, err)
	}
	defer os.RemoveAll(tmpDir)

	tmpPath := filepath.Join(tmpDir, filepath.Base(z.cfg.OutputPdb))
	if err := pdb.Save(z.pdbFile, tmpPath); err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}

	if !z.cfg.Overwrite {
		if _, err := os.Stat(z.cfg.OutputPdb); err == nil {
			sameFile, identErr := pathsIdentical(z.cfg.InputPdb, z.cfg.OutputPdb)
			if identErr != nil || !sameFile {
				return fmt.Errorf("%w: %s", ErrOutputExists, z.cfg.OutputPdb)
			}
		}
	}

	if err := winfs.AtomicReplace(tmpPath, z.cfg.OutputPdb); err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	return nil
}

func writeAt(f *os.File, off int64, data []byte) error {
	n, err := f.WriteAt(data, off)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	if n != len(data) {
		return fmt.Errorf("%w: short write at offset %d (%d of %d bytes)", ErrIO, off, n, len(data))
	}
	return nil
}

func copyFile(src, dst string, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(dst); err == nil {
			return fmt.Errorf("%w: %s", ErrOutputExists, dst)
		}
	}

	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	return out.Close()
}

// pathsIdentical reports whether a and b, once opened, name the same
// underlying file. Nonexistence of either path is treated as "not the
// same file" rather than an error, since the destination legitimately
// may not exist yet.
func pathsIdentical(a, b string) (bool, error) {
	fa, err := os.Open(a)
	if err != nil {
		return false, nil
	}
	defer fa.Close()
	fb, err := os.Open(b)
	if err != nil {
		return false, nil
	}
	defer fb.Close()
	return winfs.SameFile(fa, fb)
}
