package gatts

import (
	"context"
	"io"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
)

// mockBackend is a scripted Backend. It records the native mutations
// the server performs and can be told to fail any operation. Handles
// are the canonical UUID strings, service/char for characteristics.
type mockBackend struct {
	mu sync.Mutex

	st          State
	advertising bool

	initErr   error
	svcErr    error
	charErr   error
	descErr   error
	advErr    error
	notifyErr error
	setErr    error
	discErr   error

	initCalls int
	services  []string
	chars     []string
	descs     []string
	values    map[string][]byte
	notified  map[string][][]byte
	dropped   []string
	peers     []string
	shutdowns int
}

func newMockBackend() *mockBackend {
	return &mockBackend{
		values:   make(map[string][]byte),
		notified: make(map[string][][]byte),
	}
}

func (m *mockBackend) Initialize(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.initCalls++
	if m.initErr != nil {
		m.st = StateUninitialized
		return m.initErr
	}
	m.st = StateReady
	return nil
}

func (m *mockBackend) AddService(ctx context.Context, svc *Service) (ServiceHandle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.svcErr != nil {
		return "", m.svcErr
	}
	h := svc.UUID().String()
	m.services = append(m.services, h)
	return ServiceHandle(h), nil
}

func (m *mockBackend) AddCharacteristic(ctx context.Context, svc ServiceHandle, char *Characteristic) (CharacteristicHandle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.charErr != nil {
		return "", m.charErr
	}
	h := string(svc) + "/" + char.UUID().String()
	m.chars = append(m.chars, h)
	m.values[h] = char.Value()
	return CharacteristicHandle(h), nil
}

func (m *mockBackend) AddDescriptor(ctx context.Context, char CharacteristicHandle, desc *Descriptor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.descErr != nil {
		return m.descErr
	}
	m.descs = append(m.descs, string(char)+"/"+desc.UUID().String())
	return nil
}

func (m *mockBackend) StartAdvertising(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.advErr != nil {
		return m.advErr
	}
	m.advertising = true
	m.st = StateAdvertising
	return nil
}

func (m *mockBackend) StopAdvertising(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.advertising = false
	m.st = StateReady
	return nil
}

func (m *mockBackend) Notify(ctx context.Context, char CharacteristicHandle, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.notifyErr != nil {
		return m.notifyErr
	}
	h := string(char)
	m.notified[h] = append(m.notified[h], append([]byte{}, value...))
	m.values[h] = append([]byte{}, value...)
	return nil
}

func (m *mockBackend) SetValue(char CharacteristicHandle, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.setErr != nil {
		return m.setErr
	}
	m.values[string(char)] = append([]byte{}, value...)
	return nil
}

func (m *mockBackend) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st
}

func (m *mockBackend) IsAdvertising() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.advertising
}

func (m *mockBackend) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.peers) > 0
}

func (m *mockBackend) ConnectedPeers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string{}, m.peers...)
}

func (m *mockBackend) Disconnect(ctx context.Context, peer string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.discErr != nil {
		return m.discErr
	}
	m.dropped = append(m.dropped, peer)
	return nil
}

func (m *mockBackend) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shutdowns++
	m.st = StateStopped
	return nil
}

func (m *mockBackend) value(handle string) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]byte{}, m.values[handle]...)
}

func (m *mockBackend) notifications(handle string) [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]byte{}, m.notified[handle]...)
}

func (m *mockBackend) serviceCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.services)
}

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// Heart rate fixtures used across the facade tests.
var (
	hrService = MustParseUUID("180d").String()
	hrMeasure = MustParseUUID("2a37").String()
	hrHandle  = hrService + "/" + hrMeasure
)

// newHeartRateServer returns a started server exposing the heart rate
// measurement characteristic, backed by a mock.
func newHeartRateServer(t *testing.T, opts ...option) (*Server, *mockBackend) {
	t.Helper()
	ctx := context.Background()
	m := newMockBackend()
	srv := NewServer("gatts-test", append([]option{UseBackend(m), Logger(quietLogger())}, opts...)...)
	if err := srv.AddService(ctx, "180d"); err != nil {
		t.Fatalf("AddService: %v", err)
	}
	err := srv.AddCharacteristic(ctx, "180d", "2a37", CharRead|CharNotify, nil, PermRead)
	if err != nil {
		t.Fatalf("AddCharacteristic: %v", err)
	}
	if err := srv.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { srv.Stop(context.Background()) })
	return srv, m
}
