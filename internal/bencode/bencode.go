// Package bencode implements the bencoded value tree used by .torrent files,
// tracker responses, and the extended-handshake sub-frame.
package bencode

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
)

// Value is any bencoded value: String, Int, List, or Dict.
type Value interface {
	Encode() []byte
}

// String is a bencoded byte string (may contain arbitrary binary data).
type String []byte

func (s String) Encode() []byte {
	return []byte(fmt.Sprintf("%d:%s", len(s), s))
}

// Int is a bencoded integer.
type Int int64

func (i Int) Encode() []byte {
	return []byte(fmt.Sprintf("i%de", i))
}

// List is an ordered bencoded list.
type List []Value

func (l List) Encode() []byte {
	buf := bytes.NewBuffer([]byte("l"))
	for _, v := range l {
		buf.Write(v.Encode())
	}
	buf.WriteByte('e')
	return buf.Bytes()
}

// Dict is a bencoded dictionary with string keys. Go map iteration order is
// randomized, so Encode always sorts keys before emitting them: this is not
// just tidiness, it is required for info-hash computation to be stable.
type Dict map[string]Value

func (d Dict) Encode() []byte {
	keys := make([]string, 0, len(d))
	for k := range d {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	buf := bytes.NewBuffer([]byte("d"))
	for _, k := range keys {
		buf.Write(String(k).Encode())
		buf.Write(d[k].Encode())
	}
	buf.WriteByte('e')
	return buf.Bytes()
}

// Decoder decodes a bencoded byte stream into a Value tree.
type Decoder struct {
	data []byte
	pos  int
}

// NewDecoder returns a Decoder over data.
func NewDecoder(data []byte) *Decoder {
	return &Decoder{data: data}
}

// Decode reads a single bencoded value starting at the current position.
func (d *Decoder) Decode() (Value, error) {
	if d.pos >= len(d.data) {
		return nil, io.EOF
	}

	switch d.data[d.pos] {
	case 'i':
		return d.decodeInt()
	case 'l':
		return d.decodeList()
	case 'd':
		return d.decodeDict()
	case '0', '1', '2', '3', '4', '5', '6', '7', '8', '9':
		return d.decodeString()
	default:
		return nil, fmt.Errorf("bencode: invalid value at offset %d: %q", d.pos, d.data[d.pos])
	}
}

func (d *Decoder) decodeInt() (Int, error) {
	d.pos++ // skip 'i'
	start := d.pos
	for d.pos < len(d.data) && d.data[d.pos] != 'e' {
		d.pos++
	}
	if d.pos >= len(d.data) {
		return 0, errors.New("bencode: unterminated integer")
	}
	val, err := strconv.ParseInt(string(d.data[start:d.pos]), 10, 64)
	d.pos++ // skip 'e'
	return Int(val), err
}

func (d *Decoder) decodeString() (String, error) {
	start := d.pos
	for d.pos < len(d.data) && d.data[d.pos] >= '0' && d.data[d.pos] <= '9' {
		d.pos++
	}
	if d.pos >= len(d.data) || d.data[d.pos] != ':' {
		return nil, errors.New("bencode: invalid string length prefix")
	}
	length, err := strconv.Atoi(string(d.data[start:d.pos]))
	if err != nil {
		return nil, err
	}
	d.pos++ // skip ':'
	if length < 0 || d.pos+length > len(d.data) {
		return nil, errors.New("bencode: string length exceeds available data")
	}
	str := d.data[d.pos : d.pos+length]
	d.pos += length
	return String(str), nil
}

func (d *Decoder) decodeList() (List, error) {
	d.pos++ // skip 'l'
	list := List{}
	for d.pos < len(d.data) && d.data[d.pos] != 'e' {
		val, err := d.Decode()
		if err != nil {
			return nil, err
		}
		list = append(list, val)
	}
	if d.pos >= len(d.data) {
		return nil, errors.New("bencode: unterminated list")
	}
	d.pos++ // skip 'e'
	return list, nil
}

func (d *Decoder) decodeDict() (Dict, error) {
	d.pos++ // skip 'd'
	dict := make(Dict)
	for d.pos < len(d.data) && d.data[d.pos] != 'e' {
		keyVal, err := d.Decode()
		if err != nil {
			return nil, err
		}
		key, ok := keyVal.(String)
		if !ok {
			return nil, errors.New("bencode: dictionary key must be a string")
		}
		val, err := d.Decode()
		if err != nil {
			return nil, err
		}
		dict[string(key)] = val
	}
	if d.pos >= len(d.data) {
		return nil, errors.New("bencode: unterminated dictionary")
	}
	d.pos++ // skip 'e'
	return dict, nil
}
