package sync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/njoerd114/snapqueue/internal/gateway"
	"github.com/njoerd114/snapqueue/internal/model"
)

// --- Mock Gateway -------------------------------------------------------------

type mockGateway struct {
	mu sync.Mutex

	// pages maps a cursor to the page returned for it.
	pages     map[string]gateway.Page
	since     gateway.Page
	fetchErr  error
	sinceSeen []time.Time
	// fetchGate, when set, is waited on by FetchPage.
	fetchGate chan struct{}

	// createErr, when set, decides the outcome of each Create call.
	createErr func(id string) error
	// createGate, when set, is waited on by Create for the given id.
	createGate map[string]chan struct{}
	created    map[string]model.Item

	likeErr   error
	likeGate  chan struct{}
	reportErr error
	deleteErr error

	calls       []string
	inFlight    map[string]int
	maxInFlight map[string]int
}

func newMockGateway() *mockGateway {
	return &mockGateway{
		pages:       make(map[string]gateway.Page),
		createGate:  make(map[string]chan struct{}),
		created:     make(map[string]model.Item),
		inFlight:    make(map[string]int),
		maxInFlight: make(map[string]int),
	}
}

func (m *mockGateway) enter(call, id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, call)
	m.inFlight[id]++
	if m.inFlight[id] > m.maxInFlight[id] {
		m.maxInFlight[id] = m.inFlight[id]
	}
}

func (m *mockGateway) leave(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inFlight[id]--
}

func (m *mockGateway) FetchPage(ctx context.Context, cursor string) (gateway.Page, error) {
	m.enter("fetch "+cursor, "")
	defer m.leave("")

	m.mu.Lock()
	gate := m.fetchGate
	m.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return gateway.Page{}, ctx.Err()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fetchErr != nil {
		return gateway.Page{}, m.fetchErr
	}
	return m.pages[cursor], nil
}

func (m *mockGateway) FetchSince(_ context.Context, since time.Time) (gateway.Page, error) {
	m.enter("since", "")
	defer m.leave("")
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sinceSeen = append(m.sinceSeen, since)
	if m.fetchErr != nil {
		return gateway.Page{}, m.fetchErr
	}
	return m.since, nil
}

func (m *mockGateway) Create(ctx context.Context, item *model.Item) (model.Item, error) {
	m.enter("create "+item.ID, item.ID)
	defer m.leave(item.ID)

	m.mu.Lock()
	gate := m.createGate[item.ID]
	decide := m.createErr
	m.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return model.Item{}, &gateway.Error{Kind: gateway.KindTimeout, Op: "create", Err: ctx.Err()}
		}
	}
	if decide != nil {
		if err := decide(item.ID); err != nil {
			return model.Item{}, err
		}
	}

	canonical := model.Item{
		ID: item.ID,
		Payload: model.Payload{
			MediaURI: "https://cdn.example/" + item.ID + ".jpg",
			Caption:  item.Payload.Caption,
		},
		CreatedAt: item.CreatedAt,
		UpdatedAt: item.CreatedAt,
	}
	m.mu.Lock()
	m.created[item.ID] = canonical
	m.mu.Unlock()
	return canonical, nil
}

func (m *mockGateway) Like(ctx context.Context, id string, liked bool) (gateway.LikeState, error) {
	m.enter(fmt.Sprintf("like %s %v", id, liked), id)
	defer m.leave(id)

	m.mu.Lock()
	gate, err := m.likeGate, m.likeErr
	m.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return gateway.LikeState{}, ctx.Err()
		}
	}
	if err != nil {
		return gateway.LikeState{}, err
	}
	count := 10
	if liked {
		count = 11
	}
	return gateway.LikeState{Liked: liked, LikeCount: count}, nil
}

func (m *mockGateway) Report(_ context.Context, id string) error {
	m.enter("report "+id, id)
	defer m.leave(id)
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reportErr
}

func (m *mockGateway) Delete(_ context.Context, id string) error {
	m.enter("delete "+id, id)
	defer m.leave(id)
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deleteErr
}

func (m *mockGateway) setCreateErr(fn func(id string) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.createErr = fn
}

func (m *mockGateway) setLikeErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.likeErr = err
}

func (m *mockGateway) setReportErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reportErr = err
}

func (m *mockGateway) setDeleteErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleteErr = err
}

func (m *mockGateway) gate(id string) chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := make(chan struct{})
	m.createGate[id] = ch
	return ch
}

func (m *mockGateway) gateFetch() chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fetchGate = make(chan struct{})
	return m.fetchGate
}

func (m *mockGateway) callLog() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

func (m *mockGateway) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func (m *mockGateway) peakInFlight(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxInFlight[id]
}

// --- Mock Connectivity --------------------------------------------------------

type mockConn struct {
	mu     sync.Mutex
	online bool
	subs   map[int]chan bool
	next   int
}

func newMockConn(online bool) *mockConn {
	return &mockConn{online: online, subs: make(map[int]chan bool)}
}

func (c *mockConn) Online() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.online
}

func (c *mockConn) Subscribe() (<-chan bool, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.next
	c.next++
	ch := make(chan bool, 1)
	c.subs[id] = ch
	return ch, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if s, ok := c.subs[id]; ok {
			delete(c.subs, id)
			close(s)
		}
	}
}

func (c *mockConn) set(online bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.online == online {
		return
	}
	c.online = online
	for _, ch := range c.subs {
		select {
		case <-ch:
		default:
		}
		ch <- online
	}
}

// --- Mock Journal -------------------------------------------------------------

type mockJournal struct {
	mu    sync.Mutex
	items map[string]model.Item
}

func newMockJournal(items ...model.Item) *mockJournal {
	j := &mockJournal{items: make(map[string]model.Item)}
	for _, it := range items {
		j.items[it.ID] = it
	}
	return j
}

func (j *mockJournal) Save(_ context.Context, item model.Item) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.items[item.ID] = *item.Clone()
	return nil
}

func (j *mockJournal) Delete(_ context.Context, id string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	delete(j.items, id)
	return nil
}

func (j *mockJournal) LoadAll(context.Context) ([]model.Item, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]model.Item, 0, len(j.items))
	for _, it := range j.items {
		out = append(out, it)
	}
	return out, nil
}

func (j *mockJournal) get(id string) (model.Item, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	it, ok := j.items[id]
	return it, ok
}
