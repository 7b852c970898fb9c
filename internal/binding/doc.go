// ABOUTME: Package doc for the card binding protocol
// ABOUTME: Documents the unlock state machine and its error taxonomy

// Package binding implements the card unlock protocol: the state machine
// that takes a tapped NFC tag from launch through PIN entry to a device
// that owns the card.
//
// # Protocol
//
// A card starts UNCLAIMED. Tapping the tag hits Launch, which creates a
// short-lived session and records that the tag has been scanned. The
// session gates the PIN form; entering the correct PIN within the scan
// window calls Unlock, which claims the card for the tapping device.
//
// The claim is a conditional write (bound_device set only while NULL), so
// when two devices race on the same fresh tag exactly one wins. The loser
// sees ErrDeviceMismatch, the same error any foreign device sees forever
// after. Binding is permanent until an admin resets it.
//
// # Identity
//
// Devices are identified by a long-lived random cookie value, generated
// here with NewDeviceID. The protocol never trusts the session alone;
// every mutation re-checks the device against the stored binding via
// AuthorizeOperation.
//
// # Errors
//
// All protocol failures are typed sentinel errors (ErrUnknownToken,
// ErrSessionExpired, ErrScanWindowElapsed, ErrDeviceMismatch, ...) so the
// presentation layer can map each to its own failure page.
package binding
