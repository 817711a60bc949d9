//go:build linux

package gatts

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ostraca/gatts/bluez"
)

// defaultBackend serves the peripheral through bluetoothd's D-Bus API.
func defaultBackend(s *Server) (Backend, error) {
	cfg := bluez.Config{
		Name:    s.name,
		Adapter: s.adapter,
		Logger:  s.log,
	}
	return &bluezBackend{b: bluez.New(cfg, eventBridge{s})}, nil
}

// bluezBackend adapts the bluez transport to the Backend interface,
// translating entities to their wire form and transport errors to the
// package's error taxonomy.
type bluezBackend struct {
	b *bluez.Backend

	mu sync.RWMutex
	st State
}

func (x *bluezBackend) Initialize(ctx context.Context) error {
	x.setState(StateInitializing)
	if err := x.b.Connect(ctx); err != nil {
		x.setState(StateUninitialized)
		return mapBluezErr("initialize", err)
	}
	x.setState(StateReady)
	return nil
}

func (x *bluezBackend) AddService(ctx context.Context, svc *Service) (ServiceHandle, error) {
	path, err := x.b.AddService(ctx, svc.UUID().String())
	if err != nil {
		return "", mapBluezErr("add service", err)
	}
	return ServiceHandle(path), nil
}

func (x *bluezBackend) AddCharacteristic(ctx context.Context, svc ServiceHandle, char *Characteristic) (CharacteristicHandle, error) {
	flags := bluez.Flags(uint(char.Properties()), uint(char.Permissions()))
	path, err := x.b.AddCharacteristic(ctx, string(svc), char.UUID().String(), flags, char.Value())
	if err != nil {
		return "", mapBluezErr("add characteristic", err)
	}
	return CharacteristicHandle(path), nil
}

func (x *bluezBackend) AddDescriptor(ctx context.Context, char CharacteristicHandle, desc *Descriptor) error {
	flags := bluez.DescriptorFlags(uint(desc.Permissions()))
	_, err := x.b.AddDescriptor(ctx, string(char), desc.UUID().String(), flags, desc.Value())
	return mapBluezErr("add descriptor", err)
}

func (x *bluezBackend) StartAdvertising(ctx context.Context) error {
	if err := x.b.StartAdvertising(ctx); err != nil {
		return mapBluezErr("start advertising", err)
	}
	x.setState(StateAdvertising)
	return nil
}

func (x *bluezBackend) StopAdvertising(ctx context.Context) error {
	if err := x.b.StopAdvertising(ctx); err != nil {
		return mapBluezErr("stop advertising", err)
	}
	x.setState(StateReady)
	return nil
}

func (x *bluezBackend) Notify(ctx context.Context, char CharacteristicHandle, value []byte) error {
	return mapBluezErr("notify", x.b.Notify(string(char), value))
}

func (x *bluezBackend) SetValue(char CharacteristicHandle, value []byte) error {
	return mapBluezErr("set value", x.b.SetValue(string(char), value))
}

func (x *bluezBackend) State() State {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.st
}

func (x *bluezBackend) setState(st State) {
	x.mu.Lock()
	x.st = st
	x.mu.Unlock()
}

func (x *bluezBackend) IsAdvertising() bool { return x.b.Advertising() }

func (x *bluezBackend) IsConnected() bool { return x.b.Connected() }

func (x *bluezBackend) ConnectedPeers() []string { return x.b.Peers() }

func (x *bluezBackend) Disconnect(ctx context.Context, peer string) error {
	return mapBluezErr("disconnect", x.b.Disconnect(ctx, peer))
}

func (x *bluezBackend) Shutdown(ctx context.Context) error {
	err := x.b.Close(ctx)
	x.setState(StateStopped)
	return mapBluezErr("shutdown", err)
}

func mapBluezErr(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, bluez.ErrBusUnavailable):
		return fmt.Errorf("%w: %v", ErrTransportUnavailable, err)
	case errors.Is(err, bluez.ErrNoAdapter):
		return fmt.Errorf("%w: %v", ErrAdapterUnavailable, err)
	default:
		return nativeErr(op, err)
	}
}
