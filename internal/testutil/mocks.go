package testutil

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hugo-lorenzo-mato/fleetdiag/internal/core"
)

// MemStore is an in-memory VersionedStore. Versions are monotonically
// increasing counters. Failures can be injected per operation.
type MemStore struct {
	mu      sync.Mutex
	objects map[string]memObject
	next    int64
	fail    map[string]error
	calls   []MockCall
}

type memObject struct {
	data    []byte
	version string
	modTime time.Time
}

// MockCall records a call to a mock.
type MockCall struct {
	Method    string
	Args      interface{}
	Timestamp time.Time
}

// NewMemStore creates an empty store.
func NewMemStore() *MemStore {
	return &MemStore{objects: make(map[string]memObject), fail: make(map[string]error)}
}

// FailOn makes every call to method return err until cleared with nil.
func (m *MemStore) FailOn(method string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.fail, method)
		return
	}
	m.fail[method] = err
}

// Calls returns the recorded calls.
func (m *MemStore) Calls() []MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MockCall, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount counts recorded calls to method.
func (m *MemStore) CallCount(method string) int {
	n := 0
	for _, c := range m.Calls() {
		if c.Method == method {
			n++
		}
	}
	return n
}

// Keys returns every stored path, sorted.
func (m *MemStore) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.objects))
	for k := range m.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// begin records the call and returns an injected failure. Callers hold mu.
func (m *MemStore) begin(method string, args interface{}) error {
	m.calls = append(m.calls, MockCall{Method: method, Args: args, Timestamp: time.Now()})
	return m.fail[method]
}

func (m *MemStore) put(p string, data []byte) string {
	m.next++
	v := strconv.FormatInt(m.next, 10)
	m.objects[p] = memObject{data: append([]byte(nil), data...), version: v, modTime: time.Now().UTC()}
	return v
}

func norm(p string) string { return strings.Trim(p, "/") }

func (m *MemStore) Read(ctx context.Context, p string) ([]byte, error) {
	data, _, err := m.ReadVersion(ctx, p)
	return data, err
}

func (m *MemStore) ReadVersion(_ context.Context, p string) ([]byte, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin("Read", p); err != nil {
		return nil, "", err
	}
	obj, ok := m.objects[norm(p)]
	if !ok {
		return nil, "", fmt.Errorf("%s: %w", p, core.ErrObjectNotFound)
	}
	return append([]byte(nil), obj.data...), obj.version, nil
}

func (m *MemStore) Write(_ context.Context, p string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin("Write", p); err != nil {
		return err
	}
	m.put(norm(p), data)
	return nil
}

func (m *MemStore) Create(ctx context.Context, p string, data []byte) error {
	_, err := m.CreateVersion(ctx, p, data)
	return err
}

func (m *MemStore) CreateVersion(_ context.Context, p string, data []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin("Create", p); err != nil {
		return "", err
	}
	if _, ok := m.objects[norm(p)]; ok {
		return "", fmt.Errorf("%s: %w", p, core.ErrObjectExists)
	}
	return m.put(norm(p), data), nil
}

func (m *MemStore) ReplaceIfMatch(_ context.Context, p string, data []byte, version string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin("ReplaceIfMatch", p); err != nil {
		return "", err
	}
	obj, ok := m.objects[norm(p)]
	if !ok || obj.version != version {
		return "", fmt.Errorf("%s: %w", p, core.ErrPreconditionFailed)
	}
	return m.put(norm(p), data), nil
}

func (m *MemStore) DeleteIfMatch(_ context.Context, p, version string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin("DeleteIfMatch", p); err != nil {
		return err
	}
	obj, ok := m.objects[norm(p)]
	if !ok {
		return fmt.Errorf("%s: %w", p, core.ErrObjectNotFound)
	}
	if obj.version != version {
		return fmt.Errorf("%s: %w", p, core.ErrPreconditionFailed)
	}
	delete(m.objects, norm(p))
	return nil
}

func (m *MemStore) Open(ctx context.Context, p string) (io.ReadCloser, error) {
	data, err := m.Read(ctx, p)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *MemStore) Upload(ctx context.Context, p string, r io.Reader) (int64, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return 0, err
	}
	if err := m.Write(ctx, p, data); err != nil {
		return 0, err
	}
	return int64(len(data)), nil
}

func (m *MemStore) Delete(_ context.Context, p string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin("Delete", p); err != nil {
		return err
	}
	delete(m.objects, norm(p))
	return nil
}

func (m *MemStore) Move(_ context.Context, src, dst string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin("Move", [2]string{src, dst}); err != nil {
		return err
	}
	obj, ok := m.objects[norm(src)]
	if !ok {
		return fmt.Errorf("%s: %w", src, core.ErrObjectNotFound)
	}
	delete(m.objects, norm(src))
	m.put(norm(dst), obj.data)
	return nil
}

func (m *MemStore) List(_ context.Context, prefix string) ([]core.ObjectInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin("List", prefix); err != nil {
		return nil, err
	}
	pfx := norm(prefix)
	if pfx != "" {
		pfx += "/"
	}
	var out []core.ObjectInfo
	for k, obj := range m.objects {
		if strings.HasPrefix(k, pfx) {
			out = append(out, core.ObjectInfo{Path: k, Size: int64(len(obj.data)), ModTime: obj.modTime})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

var _ core.VersionedStore = (*MemStore)(nil)

// FakeClock is a settable Clock.
type FakeClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewFakeClock starts at t.
func NewFakeClock(t time.Time) *FakeClock {
	return &FakeClock{now: t.UTC()}
}

// Now returns the current fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Set moves the clock to t.
func (c *FakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t.UTC()
}

// MockLeaser is a Leaser whose behaviour is scripted per call.
type MockLeaser struct {
	mu          sync.Mutex
	AcquireFunc func(ctx context.Context, path string, d time.Duration) (*core.Lease, error)
	RenewFunc   func(ctx context.Context, l *core.Lease) error
	ReleaseFunc func(ctx context.Context, l *core.Lease) error
	calls       []MockCall
}

// NewMockLeaser returns a leaser that always grants.
func NewMockLeaser() *MockLeaser {
	return &MockLeaser{}
}

func (m *MockLeaser) record(method string, args interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, MockCall{Method: method, Args: args, Timestamp: time.Now()})
}

// CallCount counts recorded calls to method.
func (m *MockLeaser) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

func (m *MockLeaser) Acquire(ctx context.Context, path string, d time.Duration) (*core.Lease, error) {
	m.record("Acquire", path)
	if m.AcquireFunc != nil {
		return m.AcquireFunc(ctx, path, d)
	}
	return &core.Lease{ID: "mock", PathBeingLeased: path, ExpirationDate: time.Now().Add(d)}, nil
}

func (m *MockLeaser) Renew(ctx context.Context, l *core.Lease) error {
	m.record("Renew", l.PathBeingLeased)
	if m.RenewFunc != nil {
		return m.RenewFunc(ctx, l)
	}
	return nil
}

func (m *MockLeaser) Release(ctx context.Context, l *core.Lease) error {
	m.record("Release", l.PathBeingLeased)
	if m.ReleaseFunc != nil {
		return m.ReleaseFunc(ctx, l)
	}
	return nil
}

var _ core.Leaser = (*MockLeaser)(nil)
