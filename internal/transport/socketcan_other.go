//go:build !linux

package transport

import "fmt"

// SocketCAN доступен только в Linux.
type SocketCAN struct{ Virtual }

// OpenSocketCAN всегда возвращает ошибку вне Linux.
func OpenSocketCAN(iface string) (*SocketCAN, error) {
	return nil, fmt.Errorf("SocketCAN (%s) поддерживается только в Linux", iface)
}
