//go:build windows

package winbt

import (
	"context"
	"fmt"
	"syscall"

	"github.com/go-ole/go-ole"
	"github.com/saltosystems/winrt-go"
	"github.com/saltosystems/winrt-go/windows/devices/bluetooth/genericattributeprofile"
	"github.com/saltosystems/winrt-go/windows/foundation"
	"github.com/saltosystems/winrt-go/windows/storage/streams"
)

// awaitAsyncOperation blocks until the operation completes or ctx is
// done. resultSignature is the WinRT type signature of the operation's
// result, needed to derive the completed handler's parameterized IID.
func awaitAsyncOperation(ctx context.Context, op *foundation.IAsyncOperation, resultSignature string) error {
	done := make(chan foundation.AsyncStatus, 1)
	iid := winrt.ParameterizedInstanceGUID(foundation.GUIDAsyncOperationCompletedHandler, resultSignature)
	handler := foundation.NewAsyncOperationCompletedHandler(ole.NewGUID(iid),
		func(_ *foundation.AsyncOperationCompletedHandler, _ *foundation.IAsyncOperation, status foundation.AsyncStatus) {
			select {
			case done <- status:
			default:
			}
		})
	defer handler.Release()

	if err := op.SetCompleted(handler); err != nil {
		return err
	}
	select {
	case status := <-done:
		if status != foundation.AsyncStatusCompleted {
			return fmt.Errorf("async operation status %d", int32(status))
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// resolveReadRequest resolves the pending GattReadRequest of a read
// event. Request resolution is itself asynchronous.
func resolveReadRequest(args *genericattributeprofile.GattReadRequestedEventArgs) (*genericattributeprofile.GattReadRequest, error) {
	op, err := args.GetRequestAsync()
	if err != nil {
		return nil, err
	}
	if err := awaitAsyncOperation(context.Background(), op, genericattributeprofile.SignatureGattReadRequest); err != nil {
		return nil, err
	}
	res, err := op.GetResults()
	if err != nil {
		return nil, err
	}
	return (*genericattributeprofile.GattReadRequest)(res), nil
}

// resolveWriteRequest resolves the pending GattWriteRequest of a write
// event.
func resolveWriteRequest(args *genericattributeprofile.GattWriteRequestedEventArgs) (*genericattributeprofile.GattWriteRequest, error) {
	op, err := args.GetRequestAsync()
	if err != nil {
		return nil, err
	}
	if err := awaitAsyncOperation(context.Background(), op, genericattributeprofile.SignatureGattWriteRequest); err != nil {
		return nil, err
	}
	res, err := op.GetResults()
	if err != nil {
		return nil, err
	}
	return (*genericattributeprofile.GattWriteRequest)(res), nil
}

// sliceToBuffer copies value into a WinRT buffer.
func sliceToBuffer(value []byte) (*streams.IBuffer, error) {
	writer, err := streams.NewDataWriter()
	if err != nil {
		return nil, err
	}
	defer writer.Release()
	if len(value) > 0 {
		if err := writer.WriteBytes(uint32(len(value)), value); err != nil {
			return nil, err
		}
	}
	return writer.DetachBuffer()
}

// bufferToSlice copies a WinRT buffer into a byte slice.
func bufferToSlice(buf *streams.IBuffer) ([]byte, error) {
	if buf == nil {
		return nil, nil
	}
	size, err := buf.GetLength()
	if err != nil {
		return nil, err
	}
	if size == 0 {
		return nil, nil
	}
	reader, err := streams.DataReaderFromBuffer(buf)
	if err != nil {
		return nil, err
	}
	defer reader.Release()
	return reader.ReadBytes(size)
}

// syscallGUID converts a canonical UUID string to the GUID layout the
// generated WinRT bindings take.
func syscallGUID(uuid string) syscall.GUID {
	g := ole.NewGUID(uuid)
	if g == nil {
		return syscall.GUID{}
	}
	return syscall.GUID{Data1: g.Data1, Data2: g.Data2, Data3: g.Data3, Data4: g.Data4}
}
