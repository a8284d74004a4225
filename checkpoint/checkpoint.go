// Package checkpoint saves and restores model parameters
// together with the global step.
//
// A checkpoint file is a flate stream containing a header,
// every variable as little-endian float64 data, and an
// xxhash64 checksum of everything before it.
package checkpoint

import (
	"bytes"
	"compress/flate"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	magic   = "NMTCKPT"
	version = 1
)

// A Snapshot is the saved state of a model.
type Snapshot struct {
	GlobalStep int
	Vars       map[string][]float64
}

// A Store manages the checkpoints in a directory.
type Store struct {
	Dir    string
	Prefix string

	// MaxToKeep is the number of checkpoints to retain.
	// If it is 0, every checkpoint is kept.
	MaxToKeep int
}

// Save writes a checkpoint for the step and removes old
// checkpoints beyond MaxToKeep.
func (s *Store) Save(snap *Snapshot) (path string, err error) {
	defer func() {
		err = errors.Wrap(err, "save checkpoint")
	}()
	if err := os.MkdirAll(s.Dir, 0755); err != nil {
		return "", err
	}
	data, err := Encode(snap)
	if err != nil {
		return "", err
	}
	path = s.path(snap.GlobalStep)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return "", err
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", err
	}
	klog.V(1).Infof("saved checkpoint %s", path)
	return path, s.prune()
}

// Latest finds the checkpoint with the highest step.
func (s *Store) Latest() (string, bool) {
	steps, err := s.steps()
	if err != nil || len(steps) == 0 {
		return "", false
	}
	return s.path(steps[len(steps)-1]), true
}

// Load reads a checkpoint file.
func (s *Store) Load(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "load checkpoint")
	}
	snap, err := Decode(data)
	if err != nil {
		return nil, errors.Wrapf(err, "load checkpoint %s", path)
	}
	return snap, nil
}

// List returns the paths of the stored checkpoints from
// oldest to newest.
func (s *Store) List() ([]string, error) {
	steps, err := s.steps()
	if err != nil {
		return nil, err
	}
	var res []string
	for _, step := range steps {
		res = append(res, s.path(step))
	}
	return res, nil
}

func (s *Store) prefix() string {
	if s.Prefix == "" {
		return "translate.ckpt"
	}
	return s.Prefix
}

func (s *Store) path(step int) string {
	return filepath.Join(s.Dir, fmt.Sprintf("%s-%d", s.prefix(), step))
}

func (s *Store) steps() ([]int, error) {
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		return nil, errors.Wrap(err, "list checkpoints")
	}
	var steps []int
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, s.prefix()+"-") {
			continue
		}
		step, err := strconv.Atoi(strings.TrimPrefix(name, s.prefix()+"-"))
		if err != nil {
			continue
		}
		steps = append(steps, step)
	}
	sort.Ints(steps)
	return steps, nil
}

func (s *Store) prune() error {
	if s.MaxToKeep <= 0 {
		return nil
	}
	steps, err := s.steps()
	if err != nil {
		return err
	}
	for len(steps) > s.MaxToKeep {
		if err := os.Remove(s.path(steps[0])); err != nil {
			return errors.Wrap(err, "prune checkpoints")
		}
		steps = steps[1:]
	}
	return nil
}

// Encode serializes a snapshot.
func Encode(snap *Snapshot) ([]byte, error) {
	var body bytes.Buffer
	body.WriteString(magic)
	names := make([]string, 0, len(snap.Vars))
	for name := range snap.Vars {
		names = append(names, name)
	}
	sort.Strings(names)
	header := []interface{}{uint32(version), int64(snap.GlobalStep), uint32(len(names))}
	for _, x := range header {
		binary.Write(&body, binary.LittleEndian, x)
	}
	for _, name := range names {
		data := snap.Vars[name]
		binary.Write(&body, binary.LittleEndian, uint16(len(name)))
		body.WriteString(name)
		binary.Write(&body, binary.LittleEndian, uint32(len(data)))
		binary.Write(&body, binary.LittleEndian, data)
	}
	binary.Write(&body, binary.LittleEndian, xxhash.Sum64(body.Bytes()))

	var compressed bytes.Buffer
	w, err := flate.NewWriter(&compressed, flate.DefaultCompression)
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(w, &body); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return compressed.Bytes(), nil
}

// Decode deserializes a snapshot and verifies its
// checksum.
func Decode(data []byte) (*Snapshot, error) {
	var body bytes.Buffer
	if _, err := io.Copy(&body, flate.NewReader(bytes.NewReader(data))); err != nil {
		return nil, errors.Wrap(err, "decompress")
	}
	raw := body.Bytes()
	if len(raw) < len(magic)+8 || string(raw[:len(magic)]) != magic {
		return nil, errors.New("not a checkpoint")
	}
	payload, sum := raw[:len(raw)-8], binary.LittleEndian.Uint64(raw[len(raw)-8:])
	if xxhash.Sum64(payload) != sum {
		return nil, errors.New("checksum mismatch")
	}

	r := bytes.NewReader(payload[len(magic):])
	var ver, count uint32
	var step int64
	for _, x := range []interface{}{&ver, &step, &count} {
		if err := binary.Read(r, binary.LittleEndian, x); err != nil {
			return nil, errors.Wrap(err, "read header")
		}
	}
	if ver != version {
		return nil, errors.Errorf("unsupported version %d", ver)
	}
	snap := &Snapshot{GlobalStep: int(step), Vars: map[string][]float64{}}
	for i := 0; i < int(count); i++ {
		var nameLen uint16
		if err := binary.Read(r, binary.LittleEndian, &nameLen); err != nil {
			return nil, errors.Wrap(err, "read variable")
		}
		name := make([]byte, nameLen)
		if _, err := io.ReadFull(r, name); err != nil {
			return nil, errors.Wrap(err, "read variable")
		}
		var size uint32
		if err := binary.Read(r, binary.LittleEndian, &size); err != nil {
			return nil, errors.Wrap(err, "read variable")
		}
		values := make([]float64, size)
		if err := binary.Read(r, binary.LittleEndian, values); err != nil {
			return nil, errors.Wrapf(err, "read variable %s", name)
		}
		snap.Vars[string(name)] = values
	}
	return snap, nil
}
