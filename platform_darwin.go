//go:build darwin

package gatts

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ostraca/gatts/corebt"
)

// defaultBackend serves the peripheral through CoreBluetooth.
func defaultBackend(s *Server) (Backend, error) {
	cfg := corebt.Config{
		Name:   s.name,
		Logger: s.log,
	}
	return &corebtBackend{b: corebt.New(cfg, eventBridge{s})}, nil
}

// corebtBackend adapts the CoreBluetooth transport to the Backend
// interface.
type corebtBackend struct {
	b *corebt.Backend

	mu sync.RWMutex
	st State
}

func (x *corebtBackend) Initialize(ctx context.Context) error {
	x.setState(StateInitializing)
	if err := x.b.Connect(ctx); err != nil {
		x.setState(StateUninitialized)
		if errors.Is(err, corebt.ErrPoweredOff) {
			return fmt.Errorf("%w: %v", ErrAdapterUnavailable, err)
		}
		return mapCorebtErr("initialize", err)
	}
	x.setState(StateReady)
	return nil
}

func (x *corebtBackend) AddService(ctx context.Context, svc *Service) (ServiceHandle, error) {
	handle, err := x.b.AddService(ctx, svc.UUID().String())
	if err != nil {
		return "", mapCorebtErr("add service", err)
	}
	return ServiceHandle(handle), nil
}

func (x *corebtBackend) AddCharacteristic(ctx context.Context, svc ServiceHandle, char *Characteristic) (CharacteristicHandle, error) {
	handle, err := x.b.AddCharacteristic(ctx, string(svc), char.UUID().String(), uint(char.Properties()), uint(char.Permissions()))
	if err != nil {
		return "", mapCorebtErr("add characteristic", err)
	}
	return CharacteristicHandle(handle), nil
}

// AddDescriptor always fails: the framework's descriptor support does
// not extend to application-served values.
func (x *corebtBackend) AddDescriptor(ctx context.Context, char CharacteristicHandle, desc *Descriptor) error {
	return fmt.Errorf("gatts: descriptors on this platform: %w", ErrUnsupported)
}

func (x *corebtBackend) StartAdvertising(ctx context.Context) error {
	if err := x.b.StartAdvertising(ctx); err != nil {
		return mapCorebtErr("start advertising", err)
	}
	x.setState(StateAdvertising)
	return nil
}

func (x *corebtBackend) StopAdvertising(ctx context.Context) error {
	if err := x.b.StopAdvertising(ctx); err != nil {
		return mapCorebtErr("stop advertising", err)
	}
	x.setState(StateReady)
	return nil
}

func (x *corebtBackend) Notify(ctx context.Context, char CharacteristicHandle, value []byte) error {
	return mapCorebtErr("notify", x.b.Notify(string(char), value))
}

func (x *corebtBackend) SetValue(char CharacteristicHandle, value []byte) error {
	return mapCorebtErr("set value", x.b.SetValue(string(char), value))
}

func (x *corebtBackend) State() State {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.st
}

func (x *corebtBackend) setState(st State) {
	x.mu.Lock()
	x.st = st
	x.mu.Unlock()
}

func (x *corebtBackend) IsAdvertising() bool { return x.b.Advertising() }

func (x *corebtBackend) IsConnected() bool { return x.b.Connected() }

func (x *corebtBackend) ConnectedPeers() []string { return x.b.Peers() }

func (x *corebtBackend) Disconnect(ctx context.Context, peer string) error {
	return mapCorebtErr("disconnect", x.b.Disconnect(ctx, peer))
}

func (x *corebtBackend) Shutdown(ctx context.Context) error {
	err := x.b.Close(ctx)
	x.setState(StateStopped)
	return mapCorebtErr("shutdown", err)
}

func mapCorebtErr(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, corebt.ErrUnsupported):
		return fmt.Errorf("gatts: %s: %w", op, ErrUnsupported)
	default:
		return nativeErr(op, err)
	}
}
