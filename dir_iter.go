package agentfs

import (
	"io"
)

const _DIR_ITER_BATCH_SIZE = 256

// DirIter streams the entries of a directory in insertion order. Entries
// are fetched in batches so huge directories never materialize at once.
// The snapshot is per batch, concurrent mutation may or may not be
// observed by later batches.
type DirIter struct {
	// fetch returns the next batch of at most limit entries after the
	// given offset, in iteration order.
	fetch   func(offset, limit uint64) ([]DirEntPlus, error)
	batch   []DirEntPlus
	offset  uint64
	ungot   *DirEntPlus
	done    bool
}

func newDirIter(fetch func(offset, limit uint64) ([]DirEntPlus, error)) *DirIter {
	return &DirIter{fetch: fetch}
}

func (it *DirIter) fill() error {
	batch, err := it.fetch(it.offset, _DIR_ITER_BATCH_SIZE)
	if err != nil {
		return err
	}
	it.offset += uint64(len(batch))
	it.batch = batch
	if uint64(len(batch)) < _DIR_ITER_BATCH_SIZE {
		it.done = true
	}
	return nil
}

// Next returns the next entry, or io.EOF when the directory is
// exhausted.
func (it *DirIter) Next() (DirEnt, error) {
	ent, err := it.NextPlus()
	return ent.DirEnt, err
}

// NextPlus is Next with the entry's full attributes included.
func (it *DirIter) NextPlus() (DirEntPlus, error) {
	if it.ungot != nil {
		ent := *it.ungot
		it.ungot = nil
		return ent, nil
	}
	if len(it.batch) == 0 {
		if it.done {
			return DirEntPlus{}, io.EOF
		}
		if err := it.fill(); err != nil {
			return DirEntPlus{}, err
		}
		if len(it.batch) == 0 {
			return DirEntPlus{}, io.EOF
		}
	}
	ent := it.batch[0]
	it.batch = it.batch[1:]
	return ent, nil
}

// Unget pushes ent back so the next call to Next returns it again. Only
// a single entry of pushback is supported.
func (it *DirIter) Unget(ent DirEntPlus) {
	it.ungot = &ent
}
