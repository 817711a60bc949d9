//go:build darwin

package corebt

import (
	"github.com/sirupsen/logrus"
	"github.com/tinygo-org/cbgo"
)

// ATT result codes for RespondToRequest.
const (
	attSuccess       cbgo.ATTError = 0x00
	attUnlikelyError cbgo.ATTError = 0x0e
)

// pmDelegate translates the framework's asynchronous callbacks into
// sink calls and channel sends. The embedded base keeps it a valid
// delegate for callbacks it does not care about.
type pmDelegate struct {
	cbgo.PeripheralManagerDelegateBase
	b *Backend
}

func (d *pmDelegate) PeripheralManagerDidUpdateState(pmgr cbgo.PeripheralManager) {
	select {
	case d.b.stateCh <- pmgr.State():
	default:
	}
}

func (d *pmDelegate) DidAddService(pmgr cbgo.PeripheralManager, svc cbgo.Service, err error) {
	select {
	case d.b.addCh <- err:
	default:
	}
}

func (d *pmDelegate) DidStartAdvertising(pmgr cbgo.PeripheralManager, err error) {
	select {
	case d.b.advCh <- err:
	default:
	}
}

// DidReceiveReadRequest answers a read through the application. The
// framework expects the value slice to start at the requested offset.
func (d *pmDelegate) DidReceiveReadRequest(pmgr cbgo.PeripheralManager, req cbgo.ATTRequest) {
	uuid := normUUID(req.Characteristic().UUID().String())
	central := req.Central().Identifier().String()
	offset := req.Offset()

	value, err := d.b.sink.Read(uuid, offset, central)
	if err != nil {
		d.b.log.WithError(err).WithField("char", uuid).Debug("corebt: read rejected")
		pmgr.RespondToRequest(req, attUnlikelyError)
		return
	}
	if offset > 0 {
		if offset >= len(value) {
			value = []byte{}
		} else {
			value = value[offset:]
		}
	}
	req.SetValue(value)
	pmgr.RespondToRequest(req, attSuccess)
}

// DidReceiveWriteRequests forwards each write in the batch and then
// answers once, on the first request, as the framework requires.
func (d *pmDelegate) DidReceiveWriteRequests(pmgr cbgo.PeripheralManager, reqs []cbgo.ATTRequest) {
	if len(reqs) == 0 {
		return
	}
	for _, req := range reqs {
		uuid := normUUID(req.Characteristic().UUID().String())
		central := req.Central().Identifier().String()
		if err := d.b.sink.Write(uuid, req.Offset(), central, req.Value()); err != nil {
			d.b.log.WithError(err).WithField("char", uuid).Debug("corebt: write rejected")
			pmgr.RespondToRequest(reqs[0], attUnlikelyError)
			return
		}
	}
	pmgr.RespondToRequest(reqs[0], attSuccess)
}

func (d *pmDelegate) CentralDidSubscribe(pmgr cbgo.PeripheralManager, cent cbgo.Central, chr cbgo.Characteristic) {
	uuid := normUUID(chr.UUID().String())
	central := cent.Identifier().String()

	d.b.mu.Lock()
	if d.b.subs[uuid] == nil {
		d.b.subs[uuid] = make(map[string]struct{})
	}
	d.b.subs[uuid][central] = struct{}{}
	d.b.mu.Unlock()

	d.b.log.WithFields(logrus.Fields{"char": uuid, "central": central}).Debug("corebt: central subscribed")
	d.b.sink.Subscribed(uuid, central)
}

func (d *pmDelegate) CentralDidUnsubscribe(pmgr cbgo.PeripheralManager, cent cbgo.Central, chr cbgo.Characteristic) {
	uuid := normUUID(chr.UUID().String())
	central := cent.Identifier().String()

	d.b.mu.Lock()
	if centrals, ok := d.b.subs[uuid]; ok {
		delete(centrals, central)
		if len(centrals) == 0 {
			delete(d.b.subs, uuid)
		}
	}
	d.b.mu.Unlock()

	d.b.log.WithFields(logrus.Fields{"char": uuid, "central": central}).Debug("corebt: central unsubscribed")
	d.b.sink.Unsubscribed(uuid, central)
}
