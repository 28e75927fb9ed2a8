// Copyright 2021 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// Package testmof provides in-memory FetchClient, HostBridge, and
// BufferPool doubles for driving a MergeManager in tests and the
// cmd/shufflemerge CLI, without a real RDMA fabric or fetch transport
// (spec.md §1 keeps both out of scope), grounded on the teacher's
// bzip2_testsuite_test.go pattern of exercising the public API
// end-to-end against fixture data.
package testmof

import (
	"fmt"
	"sync"

	"github.com/cosnicolaou/shufflemerge"
)

// completionHandler is the subset of *shufflemerge.MergeManager the
// fetch client double needs; declared narrowly so it can be faked in
// this package's own tests too.
type completionHandler interface {
	HandleFetchCompletion(req *shufflemerge.FetchRequest, envelope string, n int) error
}

// Record is one key/value pair belonging to a fixture MOF.
type Record struct {
	Key, Value []byte
}

// Store holds the fixture content of a set of MOFs, keyed by the path
// a FetchTarget names.
type Store struct {
	mu      sync.Mutex
	content map[string][]byte
}

// NewStore constructs an empty fixture store.
func NewStore() *Store {
	return &Store{content: make(map[string][]byte)}
}

// AddMOF registers path as containing records, encoded with the same
// record framing (record.go) the real wire format uses, and returns a
// FetchTarget naming it with the correct TotalLenRDMA.
func (s *Store) AddMOF(path, host string, mapID int, records ...Record) shufflemerge.FetchTarget {
	var buf []byte
	for _, r := range records {
		buf = append(buf, shufflemerge.EncodeRecord(r.Key, r.Value)...)
	}
	s.mu.Lock()
	s.content[path] = buf
	s.mu.Unlock()
	return shufflemerge.FetchTarget{
		Host: host,
		Origin: shufflemerge.RemoteOrigin{
			Job:      "test-job",
			MapID:    fmt.Sprintf("map-%d", mapID),
			ReduceID: "reduce-0",
			Host:     host,
		},
		MofPath:      path,
		TotalLenRDMA: int64(len(buf)),
	}
}

// AddMOFBytes registers path as containing the already record-framed
// bytes in content verbatim, for loading MOF fixtures straight off
// disk (cmd/shufflemerge reads a directory of such files).
func (s *Store) AddMOFBytes(path, host string, mapID int, content []byte) shufflemerge.FetchTarget {
	s.mu.Lock()
	s.content[path] = content
	s.mu.Unlock()
	return shufflemerge.FetchTarget{
		Host: host,
		Origin: shufflemerge.RemoteOrigin{
			Job:      "test-job",
			MapID:    fmt.Sprintf("map-%d", mapID),
			ReduceID: "reduce-0",
			Host:     host,
		},
		MofPath:      path,
		TotalLenRDMA: int64(len(content)),
	}
}

// OversizedPathTarget returns a FetchTarget whose fetch will report
// the MOF_PATH_SIZE_TOO_LONG sentinel (spec.md §4.6, S5).
func OversizedPathTarget(host string) shufflemerge.FetchTarget {
	return shufflemerge.FetchTarget{
		Host:         host,
		MofPath:      shufflemerge.OversizedPathSentinel,
		TotalLenRDMA: 1,
	}
}

// FetchClient is a synchronous, in-memory FetchClient backed by a
// Store: StartFetchReq copies a target's fixture bytes into buf and
// reports completion immediately on a separate goroutine, mirroring
// the asynchronous completion-thread contract spec.md §5 describes
// for the real fetch client.
type FetchClient struct {
	store   *Store
	handler completionHandler
}

// NewFetchClient constructs a FetchClient reading from store. Attach
// must be called with the owning MergeManager before any fetch is
// started.
func NewFetchClient(store *Store) *FetchClient {
	return &FetchClient{store: store}
}

// Attach wires the MergeManager that owns this client's requests, so
// completions can be reported back. Must be called exactly once,
// before Run.
func (c *FetchClient) Attach(h completionHandler) { c.handler = h }

// StartFetchReq implements shufflemerge.FetchClient.
func (c *FetchClient) StartFetchReq(req *shufflemerge.FetchRequest, buf []byte) shufflemerge.FetchStatus {
	if req.Target.MofPath == shufflemerge.OversizedPathSentinel {
		go c.complete(req, fmt.Sprintf("0:0:0:0:%s:", shufflemerge.OversizedPathSentinel))
		return shufflemerge.FetchOK
	}
	c.store.mu.Lock()
	content := c.store.content[req.Target.MofPath]
	c.store.mu.Unlock()

	alreadyFetched := req.MOF.FetchedLen()
	remaining := content[alreadyFetched:]
	n := copy(buf, remaining)
	envelope := fmt.Sprintf("%d:%d:%d:%d:%s:", n, n, n, alreadyFetched, req.Target.MofPath)
	go c.complete(req, envelope)
	return shufflemerge.FetchOK
}

func (c *FetchClient) complete(req *shufflemerge.FetchRequest, envelope string) {
	rawLen, _, _, _, _, err := shufflemerge.ParseFetchEnvelope(envelope)
	if err != nil {
		return
	}
	c.handler.HandleFetchCompletion(req, envelope, int(rawLen))
}

// Bridge is an in-memory HostBridge recording delivered bytes and
// progress notifications, for assertions in tests and for
// cmd/shufflemerge to copy onward to its own output.
type Bridge struct {
	mu          sync.Mutex
	conf        map[string]string
	delivered   []byte
	fetchOvers  int
	nextHandle  int
	progressCh  chan<- struct{}
}

// NewBridge constructs a Bridge with the given configuration values
// (read via GetConf); conf may be nil.
func NewBridge(conf map[string]string) *Bridge {
	if conf == nil {
		conf = map[string]string{}
	}
	return &Bridge{conf: conf}
}

// SendProgressOn makes every FetchOver call emit a non-blocking send
// on ch, mirroring the teacher's BZSendUpdates option in
// cmd/pbzip2/main.go.
func (b *Bridge) SendProgressOn(ch chan<- struct{}) {
	b.mu.Lock()
	b.progressCh = ch
	b.mu.Unlock()
}

func (b *Bridge) GetConf(key, def string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if v, ok := b.conf[key]; ok {
		return v
	}
	return def
}

func (b *Bridge) FetchOver() {
	b.mu.Lock()
	b.fetchOvers++
	ch := b.progressCh
	b.mu.Unlock()
	if ch != nil {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (b *Bridge) DataReady(buf []byte, n int) {
	b.mu.Lock()
	b.delivered = append(b.delivered, buf[:n]...)
	b.mu.Unlock()
}

func (b *Bridge) RegisterDirectBuffer(buf []byte) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextHandle++
	return b.nextHandle
}

// Delivered returns a copy of every byte passed to DataReady so far.
func (b *Bridge) Delivered() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]byte, len(b.delivered))
	copy(out, b.delivered)
	return out
}

// FetchOvers returns the number of FetchOver calls observed so far.
func (b *Bridge) FetchOvers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.fetchOvers
}

// Pool is a fixed-size BufferPool backed by plain byte slices,
// standing in for the host's RDMA-registered memory (spec.md §1).
type Pool struct {
	mu     sync.Mutex
	bufs   [][]byte
	free   []int
	inUse  map[int]bool
	bufLen int
}

// NewPool constructs a Pool of n buffers, each bufLen bytes.
func NewPool(n, bufLen int) *Pool {
	p := &Pool{bufLen: bufLen, inUse: make(map[int]bool)}
	p.bufs = make([][]byte, n)
	p.free = make([]int, n)
	for i := 0; i < n; i++ {
		p.bufs[i] = make([]byte, bufLen)
		p.free[i] = i
	}
	return p
}

func (p *Pool) Acquire() (id int, buf []byte, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.free) == 0 {
		return 0, nil, false
	}
	id = p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	p.inUse[id] = true
	return id, p.bufs[id], true
}

func (p *Pool) Release(id int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.inUse[id] {
		return
	}
	delete(p.inUse, id)
	p.free = append(p.free, id)
}

func (p *Pool) BufferSize() int { return p.bufLen }

func (p *Pool) Free() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}
