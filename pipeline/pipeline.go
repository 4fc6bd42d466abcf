// Package pipeline implements C6: splitting a file into fixed-size
// blocks and running them through a producer/worker-pool/writer
// channel topology, per spec §4.6 and §5.
package pipeline

import (
	"context"
	"io"
	"runtime"
	"sort"
	"sync"

	"github.com/mmp/strongbox/codec"
	"github.com/mmp/strongbox/crypto"
	"github.com/mmp/strongbox/store"
)

// DefaultQueueDepth bounds the number of outstanding work items
// between producer and workers, and between workers and the writer,
// per spec §4.6 ("default 16 outstanding items").
const DefaultQueueDepth = 16

// DefaultWorkers is min(NumCPU, 4), per spec §4.6.
func DefaultWorkers() int {
	if n := runtime.NumCPU(); n < 4 {
		return n
	}
	return 4
}

// BlockResult describes the outcome of processing one block of a
// file, tagged with its sequence number so the caller can reassemble
// the file's ordinal block list regardless of completion order.
type BlockResult struct {
	Seq     int
	Hash    string
	Skipped bool // already existed as a block row; no write performed
	Size    int64
}

// DedupCheck reports whether a plaintext hash is already a known
// block, letting the producer skip compress+encrypt+write for it.
type DedupCheck func(hash string) (bool, error)

// Pipeline runs the block splitter/worker-pool/writer for one backup
// run. It holds no per-file state; ProcessFile is safe to call
// repeatedly, once per file, from the coordinator.
type Pipeline struct {
	key        crypto.Key
	store      *store.Store
	blockSize  int
	numWorkers int
	queueDepth int
	dedup      DedupCheck
}

func New(key crypto.Key, st *store.Store, blockSize int, dedup DedupCheck) *Pipeline {
	return &Pipeline{
		key:        key,
		store:      st,
		blockSize:  blockSize,
		numWorkers: DefaultWorkers(),
		queueDepth: DefaultQueueDepth,
		dedup:      dedup,
	}
}

// WithConcurrency overrides the worker count and queue depth; used by
// tests that want deterministic small-scale fan-out.
func (p *Pipeline) WithConcurrency(numWorkers, queueDepth int) *Pipeline {
	p.numWorkers = numWorkers
	p.queueDepth = queueDepth
	return p
}

type workItem struct {
	seq       int
	hash      string
	plaintext []byte
}

type writeItem struct {
	seq    int
	hash   string
	object []byte
}

// ProcessFile reads r in sequential blocks of up to p.blockSize bytes,
// hashing and deduplicating each, dispatching novel blocks to the
// worker pool for compress+encrypt, and to the single writer for
// durable storage. It returns the per-block results in source order.
//
// An error from the writer poisons the run: in-flight workers drain
// and exit, no further blocks are read, and the error is returned to
// the caller (spec §5's "unexpected writer error poisons the
// pipeline").
func (p *Pipeline) ProcessFile(ctx context.Context, r io.Reader) ([]BlockResult, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	workChan := make(chan workItem, p.queueDepth)
	writeChan := make(chan writeItem, p.queueDepth)
	resultChan := make(chan BlockResult, p.queueDepth)

	var firstErr error
	var errOnce sync.Once
	fail := func(err error) {
		errOnce.Do(func() {
			firstErr = err
			cancel()
		})
	}

	var workersWG sync.WaitGroup
	for i := 0; i < p.numWorkers; i++ {
		workersWG.Add(1)
		go func() {
			defer workersWG.Done()
			for item := range workChan {
				object, err := codec.EncodeBlock(p.key, item.plaintext)
				if err != nil {
					fail(err)
					continue
				}
				select {
				case writeChan <- writeItem{seq: item.seq, hash: item.hash, object: object}:
				case <-ctx.Done():
				}
			}
		}()
	}

	// Drain results while the producer and writer are still sending, so
	// a file with more blocks than the queue depth cannot fill
	// resultChan and stall the writer.
	var results []BlockResult
	collected := make(chan struct{})
	go func() {
		for r := range resultChan {
			results = append(results, r)
		}
		close(collected)
	}()

	var writerWG sync.WaitGroup
	writerWG.Add(1)
	go func() {
		defer writerWG.Done()
		for item := range writeChan {
			if err := p.store.Put(item.hash, item.object); err != nil {
				fail(err)
				continue
			}
			select {
			case resultChan <- BlockResult{Seq: item.seq, Hash: item.hash, Size: int64(len(item.object))}:
			case <-ctx.Done():
			}
		}
	}()

	total := 0
	producerErr := p.produce(ctx, r, workChan, resultChan, &total, fail)

	close(workChan)
	workersWG.Wait()
	close(writeChan)
	writerWG.Wait()
	close(resultChan)
	<-collected

	if producerErr != nil {
		return nil, producerErr
	}
	if firstErr != nil {
		return nil, firstErr
	}

	sortBySeq(results)
	return results, nil
}

func (p *Pipeline) produce(ctx context.Context, r io.Reader, workChan chan<- workItem, resultChan chan<- BlockResult, total *int, fail func(error)) error {
	buf := make([]byte, p.blockSize)
	seq := 0

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		n, err := io.ReadFull(r, buf)
		if n == 0 && err == io.EOF {
			break
		}
		if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
			return err
		}

		plaintext := make([]byte, n)
		copy(plaintext, buf[:n])
		hash := crypto.HashBlock(plaintext)

		exists, derr := p.dedup(hash)
		if derr != nil {
			return derr
		}

		*total++
		if exists {
			select {
			case resultChan <- BlockResult{Seq: seq, Hash: hash, Skipped: true}:
			case <-ctx.Done():
				return nil
			}
		} else {
			select {
			case workChan <- workItem{seq: seq, hash: hash, plaintext: plaintext}:
			case <-ctx.Done():
				return nil
			}
		}

		seq++
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
	}
	return nil
}

func sortBySeq(results []BlockResult) {
	sort.Slice(results, func(i, j int) bool { return results[i].Seq < results[j].Seq })
}
