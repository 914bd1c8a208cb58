package iiod

import (
	"bytes"
	"encoding/binary"
	"encoding/xml"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ScanFormat describes how one scan element is stored in a buffer, as
// reported by the "format" attribute of a scan-element, e.g. "le:S12/16>>0".
type ScanFormat struct {
	Index    int
	IsBE     bool
	IsSigned bool
	Bits     uint32 // meaningful bits
	Length   uint32 // storage bits
	Repeat   uint32
	Shift    uint32
	Scale    float64 // 0 when the element carries no scale
}

// ParseScanFormat decodes an IIO scan format string.
func ParseScanFormat(format string) (ScanFormat, error) {
	f := ScanFormat{Repeat: 1}
	endian, rest, ok := strings.Cut(format, ":")
	if !ok || len(rest) < 2 {
		return ScanFormat{}, fmt.Errorf("scan format %q: missing endianness", format)
	}
	switch endian {
	case "le":
	case "be":
		f.IsBE = true
	default:
		return ScanFormat{}, fmt.Errorf("scan format %q: endianness %q", format, endian)
	}

	switch rest[0] {
	case 's', 'S':
		f.IsSigned = true
	case 'u', 'U':
	default:
		return ScanFormat{}, fmt.Errorf("scan format %q: sign %q", format, rest[0])
	}
	rest = rest[1:]

	bits, rest, ok := strings.Cut(rest, "/")
	if !ok {
		return ScanFormat{}, fmt.Errorf("scan format %q: missing storage size", format)
	}
	storage, shift, ok := strings.Cut(rest, ">>")
	if !ok {
		return ScanFormat{}, fmt.Errorf("scan format %q: missing shift", format)
	}
	if length, repeat, ok := strings.Cut(storage, "X"); ok {
		n, err := strconv.ParseUint(repeat, 10, 32)
		if err != nil || n == 0 {
			return ScanFormat{}, fmt.Errorf("scan format %q: repeat %q", format, repeat)
		}
		f.Repeat = uint32(n)
		storage = length
	}

	fields := []struct {
		text string
		dst  *uint32
	}{{bits, &f.Bits}, {storage, &f.Length}, {shift, &f.Shift}}
	for _, fld := range fields {
		n, err := strconv.ParseUint(fld.text, 10, 32)
		if err != nil {
			return ScanFormat{}, fmt.Errorf("scan format %q: %w", format, err)
		}
		*fld.dst = uint32(n)
	}
	if f.Bits == 0 || f.Bits > 64 || f.Length < f.Bits || f.Length > 64 || f.Length%8 != 0 {
		return ScanFormat{}, fmt.Errorf("scan format %q: bad sizes", format)
	}
	return f, nil
}

// StorageBytes is the size of one stored value.
func (f ScanFormat) StorageBytes() int { return int(f.Length / 8) }

// FullScale is the magnitude of the largest representable value, used to
// normalize samples to [-1, 1).
func (f ScanFormat) FullScale() float64 {
	if f.IsSigned {
		return float64(uint64(1) << (f.Bits - 1))
	}
	return float64(uint64(1) << f.Bits)
}

// Extract decodes one stored value. raw must be StorageBytes long.
func (f ScanFormat) Extract(raw []byte) int64 {
	var u uint64
	switch len(raw) {
	case 1:
		u = uint64(raw[0])
	case 2:
		if f.IsBE {
			u = uint64(binary.BigEndian.Uint16(raw))
		} else {
			u = uint64(binary.LittleEndian.Uint16(raw))
		}
	case 4:
		if f.IsBE {
			u = uint64(binary.BigEndian.Uint32(raw))
		} else {
			u = uint64(binary.LittleEndian.Uint32(raw))
		}
	case 8:
		if f.IsBE {
			u = binary.BigEndian.Uint64(raw)
		} else {
			u = binary.LittleEndian.Uint64(raw)
		}
	default:
		if f.IsBE {
			for _, b := range raw {
				u = u<<8 | uint64(b)
			}
		} else {
			for i := len(raw) - 1; i >= 0; i-- {
				u = u<<8 | uint64(raw[i])
			}
		}
	}

	u >>= f.Shift
	if f.Bits < 64 {
		mask := uint64(1)<<f.Bits - 1
		u &= mask
		if f.IsSigned && u&(uint64(1)<<(f.Bits-1)) != 0 {
			u |= ^mask
		}
	}
	return int64(u)
}

// ChannelInfo is one channel of a device. Scan is nil for channels that
// cannot be streamed.
type ChannelInfo struct {
	ID     string
	Name   string
	Output bool
	Scan   *ScanFormat
}

// DeviceInfo identifies one IIO device. Commands accept either ID or Name.
type DeviceInfo struct {
	ID       string
	Name     string
	Channels []ChannelInfo
}

// Label returns the name, or the id for unnamed devices.
func (d DeviceInfo) Label() string {
	if d.Name != "" {
		return d.Name
	}
	return d.ID
}

// Channel finds a channel by id and direction.
func (d DeviceInfo) Channel(id string, output bool) (ChannelInfo, bool) {
	for _, ch := range d.Channels {
		if ch.ID == id && ch.Output == output {
			return ch, true
		}
	}
	return ChannelInfo{}, false
}

type xmlContext struct {
	Devices []struct {
		ID       string `xml:"id,attr"`
		Name     string `xml:"name,attr"`
		Channels []struct {
			ID   string `xml:"id,attr"`
			Name string `xml:"name,attr"`
			Type string `xml:"type,attr"`
			Scan *struct {
				Index  string `xml:"index,attr"`
				Format string `xml:"format,attr"`
				Scale  string `xml:"scale,attr"`
			} `xml:"scan-element"`
		} `xml:"channel"`
	} `xml:"device"`
}

// ParseContext decodes the XML context description returned by PRINT.
func ParseContext(raw []byte) ([]DeviceInfo, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, errors.New("empty IIOD context")
	}
	var doc xmlContext
	if err := xml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse IIOD context: %w", err)
	}

	out := make([]DeviceInfo, 0, len(doc.Devices))
	for _, d := range doc.Devices {
		dev := DeviceInfo{ID: d.ID, Name: d.Name}
		for _, c := range d.Channels {
			ch := ChannelInfo{ID: c.ID, Name: c.Name, Output: c.Type == "output"}
			if c.Scan != nil {
				f, err := ParseScanFormat(c.Scan.Format)
				if err != nil {
					return nil, fmt.Errorf("device %s channel %s: %w", dev.Label(), c.ID, err)
				}
				if f.Index, err = strconv.Atoi(c.Scan.Index); err != nil {
					return nil, fmt.Errorf("device %s channel %s: index %q", dev.Label(), c.ID, c.Scan.Index)
				}
				if c.Scan.Scale != "" {
					if f.Scale, err = strconv.ParseFloat(c.Scan.Scale, 64); err != nil {
						return nil, fmt.Errorf("device %s channel %s: scale %q", dev.Label(), c.ID, c.Scan.Scale)
					}
				}
				ch.Scan = &f
			}
			dev.Channels = append(dev.Channels, ch)
		}
		out = append(out, dev)
	}
	return out, nil
}
