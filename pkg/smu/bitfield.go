// Copyright (c) 2023 Seagate Technology LLC and/or its Affiliates

// This file implements the bitfield handling for binary structure.
// Code largely leveraged from go lang's "encoding/binary" library,
// which enables field parsing at Byte level. This file extends the
// capacity into bit level, which firmware uses for packed parameter
// words and command config bytes.

package smu

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"reflect"

	"k8s.io/klog/v2"
)

type bitfield_1b uint8
type bitfield_2b uint8
type bitfield_4b uint8
type bitfield_5b uint8
type bitfield_8b uint8
type bitfield_16b uint16
type bitfield_24b uint32

var bitfieldWidths = map[reflect.Type]int{
	reflect.TypeOf(bitfield_1b(0)):  1,
	reflect.TypeOf(bitfield_2b(0)):  2,
	reflect.TypeOf(bitfield_4b(0)):  4,
	reflect.TypeOf(bitfield_5b(0)):  5,
	reflect.TypeOf(bitfield_8b(0)):  8,
	reflect.TypeOf(bitfield_16b(0)): 16,
	reflect.TypeOf(bitfield_24b(0)): 24,
}

// u32field describes a sub-field of a 32-bit register or parameter word
type u32field struct {
	offset   int
	bitwidth int
}

func (u *u32field) mask() uint32 {
	return (1<<u.bitwidth - 1) << u.offset
}

func (u *u32field) read(reg uint32) uint32 {
	return (reg >> u.offset) & (1<<u.bitwidth - 1)
}

func (u *u32field) write(reg *uint32, val uint32) {
	*reg = (*reg &^ u.mask()) | ((val << u.offset) & u.mask())
}

// fits reports whether val can be stored without truncation
func (u *u32field) fits(val uint32) bool {
	return u.bitwidth >= 32 || val>>u.bitwidth == 0
}

// bitSlot is one leaf field: how many bits it takes on the wire and how many bytes in memory
type bitSlot struct {
	width int
	size  int
}

// dataSize returns the number of bytes the actual data represented by v occupies in memory.
// For compound structures, it sums the sizes of the elements. If the type of v is not
// acceptable, dataSize returns -1.
func dataSize(v reflect.Value) int {
	switch v.Kind() {
	case reflect.Slice, reflect.Array:
		if v.Len() == 0 {
			return 0
		}
		if s := dataSize(v.Index(0)); s >= 0 {
			return s * v.Len()
		}
		return -1

	case reflect.Struct:
		sum := 0
		for i, n := 0, v.NumField(); i < n; i++ {
			s := dataSize(v.Field(i))
			if s < 0 {
				return -1
			}
			sum += s
		}
		return sum

	case reflect.Bool,
		reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return int(v.Type().Size())
	}
	return -1
}

// bitLayout returns the list of leaf slots of v in declaration order
func bitLayout(v reflect.Value) []bitSlot {
	t := v.Type()
	if w, ok := bitfieldWidths[t]; ok {
		return []bitSlot{{width: w, size: int(t.Size())}}
	}

	switch t.Kind() {
	case reflect.Array, reflect.Slice:
		slots := []bitSlot{}
		if v.Len() != 0 {
			s := bitLayout(v.Index(0))
			for i, n := 0, v.Len(); i < n; i++ {
				slots = append(slots, s...)
			}
		}
		return slots
	case reflect.Struct:
		slots := []bitSlot{}
		for i, n := 0, t.NumField(); i < n; i++ {
			slots = append(slots, bitLayout(v.Field(i))...)
		}
		return slots

	case reflect.Bool,
		reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return []bitSlot{{width: int(t.Size()) * 8, size: int(t.Size())}}
	}
	klog.V(DBG_LVL_INFO).InfoS("bitfield.bitLayout unsupported", "kind", t.Kind().String())
	return []bitSlot{}
}

// BitFieldRead reads structured little-endian binary data from r into data.
// Data must be a pointer to a fixed-size value or a slice of fixed-size values.
// Fields typed bitfield_Nb consume N bits; every other field consumes its
// natural size. Blank (_) fields are decoded but skipped.
func BitFieldRead(r io.Reader, data any) error {
	v := reflect.ValueOf(data)
	size := -1
	switch v.Kind() {
	case reflect.Pointer:
		v = v.Elem()
		size = dataSize(v)
	case reflect.Slice:
		size = dataSize(v)
	}
	if size < 0 {
		return errors.New("bitfield.BitFieldRead: invalid type " + reflect.TypeOf(data).String())
	}
	layout := bitLayout(v)

	d := &decoder{buf: make([]byte, size)}
	if err := readByBit(r, d.buf, layout); err != nil {
		return fmt.Errorf("bitfield.BitFieldRead %s: %w", reflect.TypeOf(data).String(), err)
	}
	d.value(v)
	return nil
}

func readByBit(r io.Reader, buf []byte, layout []bitSlot) error {
	totalBits := 0
	for _, s := range layout {
		totalBits += s.width
	}
	rBuf := make([]byte, (totalBits+7)/8)
	if _, err := io.ReadFull(r, rBuf); err != nil {
		return err
	}

	bitOfs := 0
	i := 0
	for _, slot := range layout {
		width := slot.width
		if width%8 == 0 && bitOfs%8 == 0 {
			// byte aligned, copy straight through
			copy(buf[i:i+width/8], rBuf[bitOfs/8:bitOfs/8+width/8])
		} else {
			endBit := bitOfs + width - 1
			startByte := bitOfs >> 3
			endByte := endBit >> 3
			if endByte-startByte >= 8 {
				return fmt.Errorf("unsupported width %d at bit %d", width, bitOfs)
			}
			val := uint64(0)
			for iShift := 0; iShift <= endByte-startByte; iShift++ {
				val |= uint64(rBuf[startByte+iShift]) << (8 * iShift)
			}
			val = (val >> uint64(bitOfs-startByte*8)) & (1<<width - 1)
			for iShift := 0; iShift < slot.size; iShift++ {
				buf[i+iShift] = byte(val >> (8 * iShift))
			}
		}
		i += slot.size
		bitOfs += width
	}
	return nil
}

// parse binary array into struct.
func parseStruct[T any](b []byte, s T) (T, error) {
	newStruct := s
	err := BitFieldRead(bytes.NewReader(b), &newStruct)
	return newStruct, err
}

// structtoByte serializes a fixed-size struct in firmware byte order
func structtoByte(s any) []byte {
	buf := &bytes.Buffer{}
	if err := binary.Write(buf, binary.LittleEndian, s); err != nil {
		klog.ErrorS(err, "bitfield.structtoByte", "type", reflect.TypeOf(s).String())
	}
	return buf.Bytes()
}

// StructSize returns the firmware-visible size of a fixed-size struct
func StructSize(s any) int {
	return binary.Size(s)
}

// decoder fills a value from the byte-aligned little-endian image built by readByBit
type decoder struct {
	buf    []byte
	offset int
}

func (d *decoder) next(n int) uint64 {
	x := uint64(0)
	for i := 0; i < n; i++ {
		x |= uint64(d.buf[d.offset+i]) << (8 * i)
	}
	d.offset += n
	return x
}

func (d *decoder) value(v reflect.Value) {
	switch v.Kind() {
	case reflect.Array, reflect.Slice:
		for i, l := 0, v.Len(); i < l; i++ {
			d.value(v.Index(i))
		}

	case reflect.Struct:
		t := v.Type()
		for i, l := 0, v.NumField(); i < l; i++ {
			if f := v.Field(i); f.CanSet() && t.Field(i).Name != "_" {
				d.value(f)
			} else {
				d.offset += dataSize(f)
			}
		}

	case reflect.Bool:
		v.SetBool(d.next(1) != 0)

	case reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n := int(v.Type().Size())
		shift := 64 - 8*n
		v.SetInt(int64(d.next(n)<<shift) >> shift)

	case reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		v.SetUint(d.next(int(v.Type().Size())))
	}
}
