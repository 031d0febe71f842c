package partition

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// ParseCSV reads a partition table in the ESP-IDF partitions.csv format:
//
//	# Name, Type, SubType, Offset, Size, Flags
//	nvs,    data, nvs,     0x9000, 0x5000,
//
// Empty offsets are assigned by packing partitions after the table, with app
// partitions aligned to 64 KiB.
func ParseCSV(r io.Reader) (*Table, error) {
	t := &Table{}
	next := uint32(TableOffset + dataAlignment)

	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		fields := strings.Split(text, ",")
		for i := range fields {
			fields[i] = strings.TrimSpace(fields[i])
		}
		if len(fields) < 5 {
			return nil, fmt.Errorf("line %d: expected at least 5 fields, got %d", line, len(fields))
		}

		p := Partition{Label: fields[0]}
		var err error
		if p.Type, err = parseType(fields[1]); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if p.Subtype, err = parseSubtype(p.Type, fields[2]); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if p.Size, err = ParseSize(fields[4]); err != nil {
			return nil, fmt.Errorf("line %d: size: %w", line, err)
		}
		if fields[3] == "" {
			align := uint32(dataAlignment)
			if p.Type == TypeApp {
				align = appAlignment
			}
			p.Offset = (next + align - 1) / align * align
		} else if p.Offset, err = ParseSize(fields[3]); err != nil {
			return nil, fmt.Errorf("line %d: offset: %w", line, err)
		}
		if len(fields) > 5 && fields[5] != "" {
			for _, f := range strings.Split(fields[5], ":") {
				switch strings.TrimSpace(f) {
				case "encrypted":
					p.Encrypted = true
				case "readonly":
					p.ReadOnly = true
				default:
					return nil, fmt.Errorf("line %d: unknown flag %q", line, f)
				}
			}
		}

		next = p.End()
		t.Partitions = append(t.Partitions, p)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if len(t.Partitions) == 0 {
		return nil, fmt.Errorf("partition table is empty")
	}
	return t, nil
}

func parseType(s string) (Type, error) {
	switch s {
	case "app":
		return TypeApp, nil
	case "data":
		return TypeData, nil
	}
	v, err := strconv.ParseUint(s, 0, 8)
	if err != nil {
		return 0, fmt.Errorf("unknown partition type %q", s)
	}
	return Type(v), nil
}

func parseSubtype(t Type, s string) (Subtype, error) {
	if t == TypeApp && strings.HasPrefix(s, "ota_") {
		n, err := strconv.Atoi(strings.TrimPrefix(s, "ota_"))
		if err != nil || n < 0 || n > int(SubtypeOTAMax-SubtypeOTA0) {
			return 0, fmt.Errorf("invalid OTA subtype %q", s)
		}
		return SubtypeOTA0 + Subtype(n), nil
	}
	names := dataSubtypeNames
	if t == TypeApp {
		names = appSubtypeNames
	}
	if st, ok := names[s]; ok {
		return st, nil
	}
	v, err := strconv.ParseUint(s, 0, 8)
	if err != nil {
		return 0, fmt.Errorf("unknown %s subtype %q", t, s)
	}
	return Subtype(v), nil
}

// ParseSize accepts decimal or 0x-prefixed values with an optional K or M
// suffix.
func ParseSize(s string) (uint32, error) {
	mul := uint64(1)
	switch {
	case strings.HasSuffix(s, "K"), strings.HasSuffix(s, "k"):
		mul, s = 1024, s[:len(s)-1]
	case strings.HasSuffix(s, "M"), strings.HasSuffix(s, "m"):
		mul, s = 1024*1024, s[:len(s)-1]
	}
	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, err
	}
	v *= mul
	if v > 1<<32-1 {
		return 0, fmt.Errorf("value %s out of range", s)
	}
	return uint32(v), nil
}
