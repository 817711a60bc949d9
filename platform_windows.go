//go:build windows

package gatts

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ostraca/gatts/winbt"
)

// defaultBackend serves the peripheral through the WinRT GATT
// service provider API.
func defaultBackend(s *Server) (Backend, error) {
	cfg := winbt.Config{
		Name:   s.name,
		Logger: s.log,
	}
	return &winbtBackend{b: winbt.New(cfg, eventBridge{s})}, nil
}

// winbtBackend adapts the WinRT transport to the Backend interface.
type winbtBackend struct {
	b *winbt.Backend

	mu sync.RWMutex
	st State
}

func (x *winbtBackend) Initialize(ctx context.Context) error {
	x.setState(StateInitializing)
	if err := x.b.Connect(ctx); err != nil {
		x.setState(StateUninitialized)
		return mapWinbtErr("initialize", err)
	}
	x.setState(StateReady)
	return nil
}

func (x *winbtBackend) AddService(ctx context.Context, svc *Service) (ServiceHandle, error) {
	handle, err := x.b.AddService(ctx, svc.UUID().String())
	if err != nil {
		return "", mapWinbtErr("add service", err)
	}
	return ServiceHandle(handle), nil
}

func (x *winbtBackend) AddCharacteristic(ctx context.Context, svc ServiceHandle, char *Characteristic) (CharacteristicHandle, error) {
	handle, err := x.b.AddCharacteristic(ctx, string(svc), char.UUID().String(), uint(char.Properties()), uint(char.Permissions()))
	if err != nil {
		return "", mapWinbtErr("add characteristic", err)
	}
	return CharacteristicHandle(handle), nil
}

// AddDescriptor always fails: local descriptors are not part of the
// surface this transport exposes.
func (x *winbtBackend) AddDescriptor(ctx context.Context, char CharacteristicHandle, desc *Descriptor) error {
	return fmt.Errorf("gatts: descriptors on this platform: %w", ErrUnsupported)
}

func (x *winbtBackend) StartAdvertising(ctx context.Context) error {
	if err := x.b.StartAdvertising(ctx); err != nil {
		return mapWinbtErr("start advertising", err)
	}
	x.setState(StateAdvertising)
	return nil
}

func (x *winbtBackend) StopAdvertising(ctx context.Context) error {
	if err := x.b.StopAdvertising(ctx); err != nil {
		return mapWinbtErr("stop advertising", err)
	}
	x.setState(StateReady)
	return nil
}

func (x *winbtBackend) Notify(ctx context.Context, char CharacteristicHandle, value []byte) error {
	return mapWinbtErr("notify", x.b.Notify(string(char), value))
}

func (x *winbtBackend) SetValue(char CharacteristicHandle, value []byte) error {
	return mapWinbtErr("set value", x.b.SetValue(string(char), value))
}

func (x *winbtBackend) State() State {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.st
}

func (x *winbtBackend) setState(st State) {
	x.mu.Lock()
	x.st = st
	x.mu.Unlock()
}

func (x *winbtBackend) IsAdvertising() bool { return x.b.Advertising() }

func (x *winbtBackend) IsConnected() bool { return x.b.Connected() }

func (x *winbtBackend) ConnectedPeers() []string { return x.b.Peers() }

func (x *winbtBackend) Disconnect(ctx context.Context, peer string) error {
	return mapWinbtErr("disconnect", x.b.Disconnect(ctx, peer))
}

func (x *winbtBackend) Shutdown(ctx context.Context) error {
	err := x.b.Close(ctx)
	x.setState(StateStopped)
	return mapWinbtErr("shutdown", err)
}

func mapWinbtErr(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, winbt.ErrUnsupported):
		return fmt.Errorf("gatts: %s: %w", op, ErrUnsupported)
	default:
		return nativeErr(op, err)
	}
}
