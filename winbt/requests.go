//go:build windows

package winbt

import (
	"unsafe"

	"github.com/go-ole/go-ole"
	"github.com/saltosystems/winrt-go"
	"github.com/saltosystems/winrt-go/windows/devices/bluetooth/genericattributeprofile"
	"github.com/saltosystems/winrt-go/windows/foundation"
	"github.com/sirupsen/logrus"
)

// attErrUnlikely is the ATT protocol error reported when a sink
// handler fails.
const attErrUnlikely = 0x0e

// wireEvents registers the characteristic's ReadRequested,
// WriteRequested and SubscribedClientsChanged handlers. The handlers
// stay registered for the characteristic's lifetime, so their tokens
// are discarded.
func (c *localChar) wireEvents() error {
	readGUID := winrt.ParameterizedInstanceGUID(
		foundation.GUIDTypedEventHandler,
		genericattributeprofile.SignatureGattLocalCharacteristic,
		genericattributeprofile.SignatureGattReadRequestedEventArgs,
	)
	readHandler := foundation.NewTypedEventHandler(ole.NewGUID(readGUID),
		func(_ *foundation.TypedEventHandler, _, args unsafe.Pointer) {
			c.onRead((*genericattributeprofile.GattReadRequestedEventArgs)(args))
		})
	if _, err := c.char.AddReadRequested(readHandler); err != nil {
		return err
	}

	writeGUID := winrt.ParameterizedInstanceGUID(
		foundation.GUIDTypedEventHandler,
		genericattributeprofile.SignatureGattLocalCharacteristic,
		genericattributeprofile.SignatureGattWriteRequestedEventArgs,
	)
	writeHandler := foundation.NewTypedEventHandler(ole.NewGUID(writeGUID),
		func(_ *foundation.TypedEventHandler, _, args unsafe.Pointer) {
			c.onWrite((*genericattributeprofile.GattWriteRequestedEventArgs)(args))
		})
	if _, err := c.char.AddWriteRequested(writeHandler); err != nil {
		return err
	}

	subGUID := winrt.ParameterizedInstanceGUID(
		foundation.GUIDTypedEventHandler,
		genericattributeprofile.SignatureGattLocalCharacteristic,
		"object",
	)
	subHandler := foundation.NewTypedEventHandler(ole.NewGUID(subGUID),
		func(_ *foundation.TypedEventHandler, _, _ unsafe.Pointer) {
			c.onSubscribedClientsChanged()
		})
	if _, err := c.char.AddSubscribedClientsChanged(subHandler); err != nil {
		return err
	}
	return nil
}

// onRead answers a read request from the sink. The request is resolved
// under the args deferral, and the sink's result is authoritative:
// a handler error turns into an ATT protocol error, never a stale
// value.
func (c *localChar) onRead(args *genericattributeprofile.GattReadRequestedEventArgs) {
	deferral, err := args.GetDeferral()
	if err != nil {
		c.backend.log.WithError(err).Debug("winbt: read deferral")
		return
	}
	defer deferral.Complete()

	central := sessionAddr(args.GetSession())
	req, err := resolveReadRequest(args)
	if err != nil {
		c.backend.log.WithError(err).Debug("winbt: read request")
		return
	}
	offset, err := req.GetOffset()
	if err != nil {
		c.backend.log.WithError(err).Debug("winbt: read offset")
		return
	}

	value, err := c.backend.sink.Read(c.uuid, int(offset), central)
	if err != nil {
		c.backend.log.WithError(err).WithField("char", c.uuid).Debug("winbt: read rejected")
		if err := req.RespondWithProtocolError(attErrUnlikely); err != nil {
			c.backend.log.WithError(err).Debug("winbt: read respond")
		}
		return
	}
	if int(offset) <= len(value) {
		value = value[offset:]
	} else {
		value = nil
	}
	buf, err := sliceToBuffer(value)
	if err != nil {
		c.backend.log.WithError(err).Debug("winbt: read buffer")
		return
	}
	if err := req.RespondWithValue(buf); err != nil {
		c.backend.log.WithError(err).Debug("winbt: read respond")
	}
}

// onWrite forwards a write request to the sink and, for writes with
// response, acknowledges it under the deferral.
func (c *localChar) onWrite(args *genericattributeprofile.GattWriteRequestedEventArgs) {
	deferral, err := args.GetDeferral()
	if err != nil {
		c.backend.log.WithError(err).Debug("winbt: write deferral")
		return
	}
	defer deferral.Complete()

	central := sessionAddr(args.GetSession())
	req, err := resolveWriteRequest(args)
	if err != nil {
		c.backend.log.WithError(err).Debug("winbt: write request")
		return
	}
	offset, err := req.GetOffset()
	if err != nil {
		c.backend.log.WithError(err).Debug("winbt: write offset")
		return
	}
	buf, err := req.GetValue()
	if err != nil {
		c.backend.log.WithError(err).Debug("winbt: write value")
		return
	}
	value, err := bufferToSlice(buf)
	if err != nil {
		c.backend.log.WithError(err).Debug("winbt: write value")
		return
	}

	// GattWriteOption 0 is a write with response.
	withResponse := false
	if opt, err := req.GetOption(); err == nil {
		withResponse = opt == genericattributeprofile.GattWriteOption(0)
	}

	if err := c.backend.sink.Write(c.uuid, int(offset), central, value); err != nil {
		c.backend.log.WithError(err).WithField("char", c.uuid).Debug("winbt: write rejected")
		if withResponse {
			if err := req.RespondWithProtocolError(attErrUnlikely); err != nil {
				c.backend.log.WithError(err).Debug("winbt: write respond")
			}
		}
		return
	}
	if withResponse {
		if err := req.Respond(); err != nil {
			c.backend.log.WithError(err).Debug("winbt: write respond")
		}
	}
}

// onSubscribedClientsChanged reconciles the characteristic's client
// set against the stack's and reports the difference to the sink.
func (c *localChar) onSubscribedClientsChanged() {
	current := make(map[string]struct{})
	for _, id := range c.subscribedClients() {
		current[id] = struct{}{}
	}

	c.mu.Lock()
	var gained, lost []string
	for id := range current {
		if _, ok := c.clients[id]; !ok {
			gained = append(gained, id)
		}
	}
	for id := range c.clients {
		if _, ok := current[id]; !ok {
			lost = append(lost, id)
		}
	}
	c.clients = current
	c.mu.Unlock()

	for _, id := range gained {
		c.backend.log.WithFields(logrus.Fields{"char": c.uuid, "central": id}).Debug("winbt: subscribe")
		c.backend.sink.Subscribed(c.uuid, id)
	}
	for _, id := range lost {
		c.backend.log.WithFields(logrus.Fields{"char": c.uuid, "central": id}).Debug("winbt: unsubscribe")
		c.backend.sink.Unsubscribed(c.uuid, id)
	}
}

// subscribedClients reads the stack's subscribed client identifiers.
func (c *localChar) subscribedClients() []string {
	vec, err := c.char.GetSubscribedClients()
	if err != nil {
		c.backend.log.WithError(err).Debug("winbt: subscribed clients")
		return nil
	}
	size, err := vec.GetSize()
	if err != nil {
		c.backend.log.WithError(err).Debug("winbt: subscribed clients")
		return nil
	}
	ids := make([]string, 0, size)
	for i := uint32(0); i < size; i++ {
		ptr, err := vec.GetAt(i)
		if err != nil {
			continue
		}
		client := (*genericattributeprofile.GattSubscribedClient)(ptr)
		session, err := client.GetSession()
		if err != nil {
			continue
		}
		if id := sessionID(session); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

// sessionAddr is sessionID tolerant of a failed session lookup.
func sessionAddr(session *genericattributeprofile.GattSession, err error) string {
	if err != nil || session == nil {
		return ""
	}
	return sessionID(session)
}

// sessionID extracts the Bluetooth device identifier of a session.
func sessionID(session *genericattributeprofile.GattSession) string {
	devID, err := session.GetDeviceId()
	if err != nil || devID == nil {
		return ""
	}
	id, err := devID.GetId()
	if err != nil {
		return ""
	}
	return id
}
