package util

import (
	"net"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
)

// ValidatePort accepts integer fields holding a valid TCP port.
func ValidatePort(fl validator.FieldLevel) bool {
	port := fl.Field().Uint()
	return port > 0 && port <= 65535
}

func ValidateNotBlank(fl validator.FieldLevel) bool {
	return len(strings.TrimSpace(fl.Field().String())) > 0
}

// ValidateHexKey accepts strings consisting only of hexadecimal characters.
// Length constraints are expressed with the regular len/min/max tags.
func ValidateHexKey(fl validator.FieldLevel) bool {
	s := fl.Field().String()
	if s == "" {
		return false
	}
	for _, c := range s {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')) {
			return false
		}
	}
	return true
}

func ValidateHostPortList(fl validator.FieldLevel) bool {
	addrs, ok := fl.Field().Interface().([]string)
	if !ok {
		return false
	}

	for _, addr := range addrs {
		if !isValidHostPort(addr) {
			return false
		}
	}

	return true
}

func isValidHostPort(s string) bool {
	host, port, err := net.SplitHostPort(s)
	if err == nil {
		if host == "" || !isValidPort(port) {
			return false
		}
		return true
	}

	if net.ParseIP(s) != nil {
		return true
	}

	if s != "" {
		return true
	}

	return false
}

func isValidPort(portStr string) bool {
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return false
	}
	return port > 0 && port <= 65535
}
