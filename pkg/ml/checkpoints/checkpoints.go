/*
 *	Copyright 2023 Jan Pfeifer
 *
 *	Licensed under the Apache License, Version 2.0 (the "License");
 *	you may not use this file except in compliance with the License.
 *	You may obtain a copy of the License at
 *
 *	http://www.apache.org/licenses/LICENSE-2.0
 *
 *	Unless required by applicable law or agreed to in writing, software
 *	distributed under the License is distributed on an "AS IS" BASIS,
 *	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *	See the License for the specific language governing permissions and
 *	limitations under the License.
 */

// Package checkpoints implements checkpoint management: saving and loading of the training State
// (epoch, architecture, best score, model and optimizer variables) to a directory.
//
// The main object is the Handler, that should be created by calling Build, followed by the
// various options setting and finally calling Config.Done.
//
// Each checkpoint is a pair of files sharing a base name: a JSON file with the metadata and
// a binary file with the variables' values. Both are written atomically (to a temporary file and then
// renamed), and the JSON file is written last, so a crash while saving never leaves a listed checkpoint
// that can't be read. The JSON file holds the checksum of the binary file: a pair of files from different
// saves (e.g. a crash while replacing the best checkpoint copy) fails to load with ErrCorrupted.
//
// Example: only the coordinator saves, after each evaluation.
//
//	handler, err := checkpoints.Build(*flagCheckpoint).Keep(*flagKeep).Done()
//	…
//	isBest := score > state.BestScore
//	if isBest {
//		state.BestScore = score
//	}
//	err = handler.Save(state, isBest)
package checkpoints

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/disttrain/pkg/support/fsutil"
)

var (
	// ErrUnsupportedCompression signifies an error when a compression type is not supported.
	ErrUnsupportedCompression = errors.New("unsupported compression")

	// ErrNotFound is returned when loading a checkpoint that doesn't exist.
	ErrNotFound = errors.New("checkpoint not found")

	// ErrCorrupted is returned when the metadata and the binary data of a checkpoint disagree.
	ErrCorrupted = errors.New("corrupted checkpoint")
)

// FileMode of the checkpoint files (before umask).
var FileMode = os.FileMode(0640)

const (
	baseNamePrefix = "checkpoint-"

	// JsonNameSuffix for the JSON files returned by Handler.ListCheckpoints.
	JsonNameSuffix = ".json"

	// BinDataSuffix for the data files (holding the variables values) returned by Handler.ListCheckpoints.
	BinDataSuffix = ".bin"

	// BestBaseName is the base name of the copy of the best checkpoint so far.
	BestBaseName = "model_best"
)

// Variable is a named array of values, with its dimensions.
type Variable struct {
	Name       string
	Dimensions []int
	Values     []float64
}

// Size returns the number of elements described by Dimensions.
func (v Variable) Size() int {
	size := 1
	for _, dim := range v.Dimensions {
		size *= dim
	}
	return size
}

// State is what is saved in a checkpoint.
type State struct {
	// Epoch is the next epoch to train: a run resumed from this State starts at Epoch.
	Epoch int

	// Arch is the model architecture name.
	Arch string

	// BestScore is the best evaluation score (top-1 accuracy) seen so far.
	BestScore float64

	// RunID of the run that saved the state.
	RunID string

	// Model variables.
	Model []Variable

	// Optimizer variables (e.g.: momentum buffers).
	Optimizer []Variable

	// Scalars holds other numeric state, like the learning rate scheduler position.
	Scalars map[string]float64
}

// serializedVar is the metadata of a variable, its values are stored in the binary file starting at Pos.
type serializedVar struct {
	Name        string
	Dimensions  []int
	Pos, Length int
}

// serialized is the contents of the JSON file.
type serialized struct {
	Epoch     int
	Arch      string
	BestScore float64
	RunID     string `json:",omitempty"`
	SavedAt   time.Time
	BinFormat string
	Checksum  string `json:",omitempty"`
	Model     []serializedVar
	Optimizer []serializedVar
	Scalars   map[string]float64 `json:",omitempty"`
}

// Config for the checkpoints' Handler to be created. This is created with Build() and
// configured with the various methods. Once finished, call Done() and it will output
// a checkpoints.Handler.
type Config struct {
	err       error
	dir       string
	keep      int
	binFormat BinFormat
}

// Build a configuration for building a checkpoints.Handler saving to dir, which is created if it doesn't exist.
// After configuring the Config object returned, call `Done` to get the configured checkpoints.Handler.
func Build(dir string) *Config {
	c := &Config{keep: 1}
	c.dir, c.err = fsutil.EnsureDir(dir)
	return c
}

// TempDir creates a temporary directory under dir, with the pattern name, and uses this
// directory to save checkpoints. It's a convenience wrapper to os.MkdirTemp.
//
// Mostly used for testing.
func TempDir(dir, pattern string) *Config {
	c := &Config{keep: 1}
	c.dir, c.err = os.MkdirTemp(dir, pattern)
	if c.err != nil {
		c.err = errors.Wrapf(c.err, "failed to create os.MkdirTemp(%q, %q)", dir, pattern)
	}
	return c
}

// Keep configures the number of checkpoints to keep. The best checkpoint copy is not counted.
// If set to a negative value, it will keep all of them.
//
// Default is 1.
func (c *Config) Keep(n int) *Config {
	c.keep = n
	return c
}

// WithCompression defines the compression format of the binary files. The default mode is BinGZIP.
func (c *Config) WithCompression(bf BinFormat) *Config {
	if bf != BinGZIP && bf != BinUncompressed {
		if c.err == nil {
			c.err = errors.Wrapf(ErrUnsupportedCompression, "compression %d", bf)
		}
		return c
	}
	c.binFormat = bf
	return c
}

// Done creates the Handler.
func (c *Config) Done() (*Handler, error) {
	if c.err != nil {
		return nil, c.err
	}
	h := &Handler{config: c}
	list, err := h.ListCheckpoints()
	if err != nil {
		return nil, err
	}
	h.checkpointsCount = maxCheckPointCountFromCheckpoints(list) + 1
	return h, nil
}

// MustDone constructs the checkpoints.Handler. It panics if there was an error.
func (c *Config) MustDone() *Handler {
	h, err := c.Done()
	if err != nil {
		panic(err)
	}
	return h
}

// Handler saves and loads checkpoints in a directory. Create it with Build.
//
// It is not safe for concurrent use: in a distributed run only the coordinator should save.
type Handler struct {
	config           *Config
	checkpointsCount int
}

// String implements Stringer.
func (h *Handler) String() string {
	return fmt.Sprintf("checkpoints.Handler(%q)", h.config.dir)
}

// Dir returns the directory where the checkpoints are saved.
func (h *Handler) Dir() string {
	return h.config.dir
}

// newCheckpointBaseName returns the base name for the checkpoint files.
func (h *Handler) newCheckpointBaseName(epoch int) string {
	return fmt.Sprintf("%sn%07d-epoch-%04d", baseNamePrefix, h.checkpointsCount, epoch)
}

// ListCheckpoints returns the base file names of the checkpoints in the directory in save order (older first).
// The best checkpoint copy is not included.
//
// The actual paths are these base file paths (under Dir) suffixed with JsonNameSuffix and BinDataSuffix.
func (h *Handler) ListCheckpoints() (checkpoints []string, err error) {
	entries, err := os.ReadDir(h.config.dir)
	if err != nil {
		return nil, errors.Wrapf(err, "%s listing checkpoints", h)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		fileName := entry.Name()
		if !strings.HasPrefix(fileName, baseNamePrefix) || !strings.HasSuffix(fileName, JsonNameSuffix) {
			continue
		}
		checkpoints = append(checkpoints, fileName[:len(fileName)-len(JsonNameSuffix)])
	}
	sort.Strings(checkpoints)
	return checkpoints, nil
}

// HasCheckpoints returns whether there are any checkpoints saved.
func (h *Handler) HasCheckpoints() (bool, error) {
	list, err := h.ListCheckpoints()
	return len(list) > 0, err
}

var checkpointCountRegex = regexp.MustCompile(`^checkpoint-n(\d+)-`)

// maxCheckPointCountFromCheckpoints returns the largest `checkpointCount` in the saved
// checkpoints, so the next checkpoint saved uses this count+1.
//
// The input should be the output of Handler.ListCheckpoints.
func maxCheckPointCountFromCheckpoints(checkpoints []string) int {
	maxId := -1
	for _, name := range checkpoints {
		matches := checkpointCountRegex.FindStringSubmatch(name)
		if len(matches) != 2 {
			continue
		}
		id, err := strconv.Atoi(matches[1])
		if err != nil {
			continue
		}
		maxId = max(maxId, id)
	}
	return maxId
}

// Save writes state as a new checkpoint. If isBest, it also replaces the best checkpoint copy
// (BestBaseName) with it.
//
// Older checkpoints beyond the configured Keep are removed afterward.
func (h *Handler) Save(state *State, isBest bool) error {
	if state == nil {
		return errors.Errorf("%s: nil state", h)
	}
	baseName := h.newCheckpointBaseName(state.Epoch)
	h.checkpointsCount++
	basePath := filepath.Join(h.config.dir, baseName)
	if err := writeCheckpoint(basePath, state, h.config.binFormat); err != nil {
		return errors.WithMessagef(err, "%s: failed to save checkpoint %q", h, baseName)
	}
	klog.V(1).Infof("%s: saved %s (epoch=%d, best=%.3f)", h, baseName, state.Epoch, state.BestScore)
	if isBest {
		bestPath := filepath.Join(h.config.dir, BestBaseName)
		for _, suffix := range []string{BinDataSuffix, JsonNameSuffix} {
			if err := fsutil.LinkOrCopyAtomic(basePath+suffix, bestPath+suffix); err != nil {
				return errors.WithMessagef(err, "%s: failed to update best checkpoint", h)
			}
		}
	}
	return h.keepNCheckpoints()
}

// keepNCheckpoints removes the excess checkpoints, starting from the earlier ones.
func (h *Handler) keepNCheckpoints() error {
	if h.config.keep < 0 {
		return nil
	}
	list, err := h.ListCheckpoints()
	if err != nil {
		return errors.WithMessagef(err, "%s failed to list saved checkpoints", h)
	}
	if len(list) <= h.config.keep {
		return nil
	}
	list = list[:len(list)-h.config.keep]
	for _, baseName := range list {
		// JSON first: a checkpoint without its JSON file is no longer listed.
		for _, suffix := range []string{JsonNameSuffix, BinDataSuffix} {
			fileName := filepath.Join(h.config.dir, baseName+suffix)
			err = os.Remove(fileName)
			if err != nil && !os.IsNotExist(err) {
				return errors.Wrapf(err, "%s failed to remove excess checkpoint file %q", h, fileName)
			}
		}
	}
	return nil
}

// LoadLatest loads the most recent checkpoint. It returns ErrNotFound if there are none.
func (h *Handler) LoadLatest() (*State, error) {
	list, err := h.ListCheckpoints()
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, errors.Wrapf(ErrNotFound, "no checkpoints in %q", h.config.dir)
	}
	return Load(filepath.Join(h.config.dir, list[len(list)-1]))
}

// LoadBest loads the best checkpoint copy. It returns ErrNotFound if none was saved.
func (h *Handler) LoadBest() (*State, error) {
	return Load(filepath.Join(h.config.dir, BestBaseName))
}

// Load reads a checkpoint given its path, which can be:
//
//   - A directory: the latest checkpoint in it is loaded.
//   - The base path of a checkpoint (without suffix), or the path to either of its files.
//
// It returns an error wrapping ErrNotFound if there is no checkpoint at path.
func Load(path string) (*State, error) {
	path, err := fsutil.ReplaceTildeInDir(path)
	if err != nil {
		return nil, err
	}
	fi, err := os.Stat(path)
	if err == nil && fi.IsDir() {
		h := &Handler{config: &Config{dir: path}}
		return h.LoadLatest()
	}
	basePath := strings.TrimSuffix(strings.TrimSuffix(path, JsonNameSuffix), BinDataSuffix)
	return readCheckpoint(basePath)
}

func writeCheckpoint(basePath string, state *State, bf BinFormat) error {
	meta := serialized{
		Epoch:     state.Epoch,
		Arch:      state.Arch,
		BestScore: state.BestScore,
		RunID:     state.RunID,
		SavedAt:   time.Now(),
		BinFormat: bf.String(),
		Scalars:   state.Scalars,
	}
	digest := xxhash.New()
	err := fsutil.WriteFileAtomic(basePath+BinDataSuffix, FileMode, func(w io.Writer) error {
		varFile, err := getSaveVarWriter(io.MultiWriter(w, digest), bf)
		if err != nil {
			return err
		}
		pos := 0
		saveVars := func(vars []Variable) ([]serializedVar, error) {
			metas := make([]serializedVar, 0, len(vars))
			for _, v := range vars {
				if len(v.Values) != v.Size() {
					return nil, errors.Errorf("variable %q has %d values, but dimensions %v require %d",
						v.Name, len(v.Values), v.Dimensions, v.Size())
				}
				if err := binary.Write(varFile, binary.LittleEndian, v.Values); err != nil {
					return nil, errors.Wrapf(err, "failed to write variable %q", v.Name)
				}
				metas = append(metas, serializedVar{
					Name: v.Name, Dimensions: v.Dimensions, Pos: pos, Length: len(v.Values)})
				pos += len(v.Values)
			}
			return metas, nil
		}
		if meta.Model, err = saveVars(state.Model); err != nil {
			return err
		}
		if meta.Optimizer, err = saveVars(state.Optimizer); err != nil {
			return err
		}
		if err := varFile.Flush(); err != nil {
			return errors.Wrap(err, "failed to flush checkpoint data")
		}
		return errors.Wrap(varFile.Close(), "failed to close checkpoint data")
	})
	if err != nil {
		return err
	}
	meta.Checksum = checksumString(digest.Sum64())
	return fsutil.WriteFileAtomic(basePath+JsonNameSuffix, FileMode, func(w io.Writer) error {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "\t")
		return errors.Wrap(enc.Encode(&meta), "failed to encode checkpoint metadata")
	})
}

func readCheckpoint(basePath string) (*State, error) {
	jsonPath := basePath + JsonNameSuffix
	jsonData, err := os.ReadFile(jsonPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrapf(ErrNotFound, "no checkpoint metadata at %q", jsonPath)
		}
		return nil, errors.Wrapf(err, "failed to read checkpoint metadata %q", jsonPath)
	}
	var meta serialized
	if err = json.Unmarshal(jsonData, &meta); err != nil {
		return nil, errors.Wrapf(err, "failed to parse checkpoint metadata %q", jsonPath)
	}

	binPath := basePath + BinDataSuffix
	binData, err := os.ReadFile(binPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrapf(ErrNotFound, "no checkpoint data at %q", binPath)
		}
		return nil, errors.Wrapf(err, "failed to read checkpoint data %q", binPath)
	}
	if meta.Checksum != "" {
		if got := checksumString(xxhash.Sum64(binData)); got != meta.Checksum {
			return nil, errors.Wrapf(ErrCorrupted, "%q has checksum %s, but %q expects %s",
				binPath, got, jsonPath, meta.Checksum)
		}
	}
	r, err := getLoadVarFilesFromReader(bytes.NewReader(binData))
	if err != nil {
		return nil, errors.WithMessagef(err, "checkpoint data %q", binPath)
	}
	var values []float64
	br := bufio.NewReader(r)
	var buf [8]byte
	for {
		if _, err = io.ReadFull(br, buf[:]); err != nil {
			if err == io.EOF {
				break
			}
			return nil, errors.Wrapf(ErrCorrupted, "%q: %v", binPath, err)
		}
		values = append(values, math.Float64frombits(binary.LittleEndian.Uint64(buf[:])))
	}

	loadVars := func(metas []serializedVar) ([]Variable, error) {
		vars := make([]Variable, 0, len(metas))
		for _, m := range metas {
			if m.Pos < 0 || m.Length < 0 || m.Pos+m.Length > len(values) {
				return nil, errors.Wrapf(ErrCorrupted, "%q: variable %q at [%d, %d) but only %d values saved",
					basePath, m.Name, m.Pos, m.Pos+m.Length, len(values))
			}
			v := Variable{Name: m.Name, Dimensions: m.Dimensions}
			v.Values = append([]float64(nil), values[m.Pos:m.Pos+m.Length]...)
			if v.Size() != m.Length {
				return nil, errors.Wrapf(ErrCorrupted, "%q: variable %q dimensions %v don't match length %d",
					basePath, m.Name, m.Dimensions, m.Length)
			}
			vars = append(vars, v)
		}
		return vars, nil
	}
	state := &State{
		Epoch:     meta.Epoch,
		Arch:      meta.Arch,
		BestScore: meta.BestScore,
		RunID:     meta.RunID,
		Scalars:   meta.Scalars,
	}
	if state.Model, err = loadVars(meta.Model); err != nil {
		return nil, err
	}
	if state.Optimizer, err = loadVars(meta.Optimizer); err != nil {
		return nil, err
	}
	return state, nil
}

func checksumString(sum uint64) string {
	return fmt.Sprintf("xxh64:%016x", sum)
}

// Binary file header, followed by the compression name and the compressed data:
//
// |  "gomlx_checkpoints" | len |  "gzip"       |
const (
	binHeader     = "gomlx_checkpoints"
	gzipHeader    = "gzip"
	lenBinHeader  = len(binHeader)
	lenGzipHeader = len(gzipHeader)
)

// getLoadVarFilesFromReader returns a reader to the decompressed binary variables. Files without the
// header are read as uncompressed.
func getLoadVarFilesFromReader(f io.ReadSeeker) (io.Reader, error) {
	buf := make([]byte, lenBinHeader)
	n, err := io.ReadFull(f, buf)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return nil, errors.Wrap(err, "read header")
	}
	if n < lenBinHeader || string(buf) != binHeader {
		if _, err = f.Seek(0, io.SeekStart); err != nil {
			return nil, errors.Wrap(err, "seek header")
		}
		return f, nil
	}
	var headerZipLen uint8
	if err := binary.Read(f, binary.BigEndian, &headerZipLen); err != nil {
		return nil, errors.Wrap(err, "read header")
	}
	buf1 := make([]byte, headerZipLen)
	if _, err = io.ReadFull(f, buf1); err != nil {
		return nil, errors.Wrap(err, "read header")
	}
	if string(buf1) != gzipHeader {
		return nil, ErrUnsupportedCompression
	}
	rd, err := gzip.NewReader(f)
	if err != nil {
		return nil, errors.Wrap(err, "read gzip header")
	}
	defer func() { _ = rd.Close() }()
	var rd1 bytes.Buffer
	if _, err = rd1.ReadFrom(rd); err != nil {
		return nil, errors.Wrap(err, "read zip")
	}
	return &rd1, nil
}

type flushWriter interface {
	Write([]byte) (int, error)
	Close() error
	Flush() error
}

type flushNullWriter struct {
	*bufio.Writer
}

func (fw flushNullWriter) Close() error {
	return nil
}

// getSaveVarWriter writes the header to w and returns a writer for the variables. It is the responsibility
// of the caller to call the writer's Flush and Close.
func getSaveVarWriter(w io.Writer, bf BinFormat) (flushWriter, error) {
	if bf == BinUncompressed {
		return flushNullWriter{bufio.NewWriter(w)}, nil
	}
	var h []byte
	h = append(h, []byte(binHeader)...)
	h = append(h, byte(lenGzipHeader))
	h = append(h, []byte(gzipHeader)...)
	if _, err := w.Write(h); err != nil {
		return nil, errors.Wrap(err, "write header")
	}
	return gzip.NewWriter(w), nil
}
