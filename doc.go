// Package gatts provides a Bluetooth Low Energy GATT peripheral
// (server) implementation.
//
// Gatt (Generic Attribute Profile) is the protocol used to write
// BLE peripherals (servers) and centrals (clients). This package
// implements the peripheral role: you create services and
// characteristics, advertise, accept connections, and handle
// requests, on Linux, macOS, and Windows behind one API.
//
// STATUS
//
// Support for writing a peripheral is done: you can create services,
// characteristics, and descriptors, advertise, accept connections,
// handle reads and writes, and push notifications. Central support
// is out of scope: no scanning, connecting, or discovery.
//
// Descriptors are served on Linux only; the CoreBluetooth and WinRT
// transports reject AddDescriptor with ErrUnsupported.
//
// SETUP
//
// On Linux, gatts speaks to bluetoothd over the system D-Bus using
// the org.bluez GATT manager and advertising manager interfaces,
// which are stable since BlueZ 5.43. Unlike HCI-level stacks, gatts
// requires the bluetooth service to be RUNNING:
//
//     sudo service bluetooth start
//
// The process must be allowed to talk to org.bluez on the system
// bus. Run as root, or install a D-Bus policy file granting your
// user access.
//
// On macOS, gatts uses CoreBluetooth. The first run prompts for
// Bluetooth permission; bundled apps need NSBluetoothAlwaysUsage-
// Description in their Info.plist. Building requires cgo.
//
// On Windows, gatts uses the WinRT GATT service provider API,
// available since Windows 10 Creators Update, with a radio that
// supports the peripheral role.
//
// USAGE
//
// Servers are constructed with a display name, populated with
// services and characteristics, and then started. Servers are
// single-shot: once stopped they cannot be restarted.
//
//     srv := gatts.NewServer("gophergatt")
//     ctx := context.Background()
//
//     // A heart rate service with a measurement characteristic.
//     srv.AddService(ctx, "180d")
//     srv.AddCharacteristic(ctx, "180d", "2a37",
//     	gatts.CharRead|gatts.CharNotify, nil, gatts.PermRead)
//
//     // Reads are answered by the read handler, not the stored value.
//     srv.SetReadHandler(func(req gatts.ReadRequest) ([]byte, error) {
//     	return []byte{0x06, 0x40}, nil
//     })
//
//     // Writes are observed here; call WriteCharValue to keep one.
//     srv.SetWriteHandler(func(req gatts.WriteRequest) error {
//     	log.Printf("wrote: %x", req.Value)
//     	return nil
//     })
//
//     if err := srv.Start(ctx); err != nil {
//     	log.Fatal(err)
//     }
//     defer srv.Stop(ctx)
//
//     // Commit a new reading once a second and push it to subscribers.
//     for range time.Tick(time.Second) {
//     	srv.WriteCharValue("180d", "2a37", []byte{0x06, nextReading()})
//     	srv.UpdateValue(ctx, "180d", "2a37")
//     }
//
// See the rest of the docs for other options and finer-grained control.
//
// Note that some BLE central devices, particularly iOS, may aggressively
// cache results from previous connections. If you change your services or
// characteristics, you may need to reboot the other device to pick up the
// changes. This is a common source of confusion and apparent bugs. For an
// OS X central, see http://stackoverflow.com/questions/20553957.
//
// REFERENCES
//
// To try out your GATT server, it is useful to experiment with a
// generic BLE client. LightBlue is a good choice. It is available
// free for both iOS and OS X. On Linux, bluetoothctl and btmon show
// the server the way bluetoothd sees it.
//
package gatts
