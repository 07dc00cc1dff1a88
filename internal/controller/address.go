// Package controller describes how to reach a measurement controller.
package controller

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// Protocol is the transport a measurement controller is reached over
type Protocol string

const (
	ProtocolRMI    Protocol = "rmi"
	ProtocolREST   Protocol = "rest"
	ProtocolSocket Protocol = "socket"
)

// ErrInvalidAddress is returned when a controller address cannot be parsed
var ErrInvalidAddress = errors.New("controller: invalid address")

// Address identifies a measurement controller
type Address struct {
	Protocol Protocol
	Host     string
	Port     int
	Name     string
}

// String renders the address as the URI handed to runners:
// rmi://host:port/name, http://host:port/name or socket://name.
func (a Address) String() string {
	switch a.Protocol {
	case ProtocolSocket:
		return "socket://" + a.Name
	case ProtocolREST:
		return fmt.Sprintf("http://%s/%s", net.JoinHostPort(a.Host, strconv.Itoa(a.Port)), a.Name)
	default:
		return fmt.Sprintf("rmi://%s/%s", net.JoinHostPort(a.Host, strconv.Itoa(a.Port)), a.Name)
	}
}

// Validate checks that the address has the fields its protocol needs
func (a Address) Validate() error {
	switch a.Protocol {
	case ProtocolSocket:
		if a.Name == "" {
			return fmt.Errorf("%w: socket address needs a name", ErrInvalidAddress)
		}
		return nil
	case ProtocolRMI, ProtocolREST:
		if a.Host == "" {
			return fmt.Errorf("%w: missing host", ErrInvalidAddress)
		}
		if a.Port <= 0 || a.Port > 65535 {
			return fmt.Errorf("%w: port %d out of range", ErrInvalidAddress, a.Port)
		}
		if a.Name == "" {
			return fmt.Errorf("%w: missing name", ErrInvalidAddress)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown protocol %q", ErrInvalidAddress, a.Protocol)
	}
}

// Parse is the inverse of Address.String
func Parse(raw string) (Address, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Address{}, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}

	var addr Address
	switch u.Scheme {
	case "socket":
		addr = Address{Protocol: ProtocolSocket, Name: strings.TrimPrefix(u.Host+u.Path, "/")}
	case "rmi", "http":
		addr.Protocol = ProtocolRMI
		if u.Scheme == "http" {
			addr.Protocol = ProtocolREST
		}
		addr.Host = u.Hostname()
		port, err := strconv.Atoi(u.Port())
		if err != nil {
			return Address{}, fmt.Errorf("%w: bad port in %q", ErrInvalidAddress, raw)
		}
		addr.Port = port
		addr.Name = strings.TrimPrefix(u.Path, "/")
	default:
		return Address{}, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidAddress, u.Scheme)
	}

	if err := addr.Validate(); err != nil {
		return Address{}, err
	}
	return addr, nil
}
