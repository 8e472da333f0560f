package engine

import (
	"encoding/binary"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// Fixed little-endian record layouts, decodable by any external reader
// without engine cooperation. Byte 0 is the record-type tag; all offsets
// below are relative to the payload after the tag.
//
// Order (fixed size):
//	owner      32B  (20-byte address, zero padding)
//	market     32B
//	order_id    8B  u64
//	side        1B  0=Buy 1=Sell
//	price       8B  u64
//	quantity    8B  u64
//	filled      8B  u64
//	status      1B  0=Open 1=PartiallyFilled 2=Filled 3=Cancelled
//	timestamp   8B  i64
//	bump        1B
//
// Market (variable, name is length-prefixed UTF-8):
//	authority  32B
//	name       4B len + bytes
//	next_order_id     8B
//	total_bid_volume  8B
//	total_ask_volume  8B
//	bump       1B
const (
	TagMarket byte = 0x01
	TagOrder  byte = 0x02

	addrFieldLen = 32

	// OrderRecordSize is the full encoded size including the tag byte.
	OrderRecordSize = 1 + addrFieldLen + 32 + 8 + 1 + 8 + 8 + 8 + 1 + 8 + 1
)

func putAddress(dst []byte, addr common.Address) {
	copy(dst[:20], addr.Bytes())
}

func getAddress(src []byte) common.Address {
	return common.BytesToAddress(src[:20])
}

// EncodeMarket serializes a market record.
func EncodeMarket(m *Market) []byte {
	name := []byte(m.Name)
	out := make([]byte, 1+addrFieldLen+4+len(name)+8+8+8+1)
	out[0] = TagMarket
	off := 1
	putAddress(out[off:], m.Authority)
	off += addrFieldLen
	binary.LittleEndian.PutUint32(out[off:], uint32(len(name)))
	off += 4
	copy(out[off:], name)
	off += len(name)
	binary.LittleEndian.PutUint64(out[off:], m.NextOrderID)
	off += 8
	binary.LittleEndian.PutUint64(out[off:], m.TotalBidVolume)
	off += 8
	binary.LittleEndian.PutUint64(out[off:], m.TotalAskVolume)
	off += 8
	out[off] = m.Bump
	return out
}

// DecodeMarket parses a market record.
func DecodeMarket(data []byte) (*Market, error) {
	if len(data) < 1+addrFieldLen+4 {
		return nil, fmt.Errorf("market record too short: %d bytes", len(data))
	}
	if data[0] != TagMarket {
		return nil, fmt.Errorf("not a market record: tag 0x%02x", data[0])
	}
	off := 1
	m := &Market{Authority: getAddress(data[off:])}
	off += addrFieldLen

	nameLen := int(binary.LittleEndian.Uint32(data[off:]))
	off += 4
	if nameLen > MaxMarketName || len(data) < off+nameLen+8+8+8+1 {
		return nil, fmt.Errorf("corrupt market record: name length %d", nameLen)
	}
	m.Name = string(data[off : off+nameLen])
	off += nameLen
	m.NextOrderID = binary.LittleEndian.Uint64(data[off:])
	off += 8
	m.TotalBidVolume = binary.LittleEndian.Uint64(data[off:])
	off += 8
	m.TotalAskVolume = binary.LittleEndian.Uint64(data[off:])
	off += 8
	m.Bump = data[off]
	return m, nil
}

// EncodeOrder serializes an order record into its fixed layout.
func EncodeOrder(o *Order) []byte {
	out := make([]byte, OrderRecordSize)
	out[0] = TagOrder
	off := 1
	putAddress(out[off:], o.Owner)
	off += addrFieldLen
	copy(out[off:], o.Market[:])
	off += 32
	binary.LittleEndian.PutUint64(out[off:], o.OrderID)
	off += 8
	out[off] = byte(o.Side)
	off++
	binary.LittleEndian.PutUint64(out[off:], o.Price)
	off += 8
	binary.LittleEndian.PutUint64(out[off:], o.Quantity)
	off += 8
	binary.LittleEndian.PutUint64(out[off:], o.FilledQuantity)
	off += 8
	out[off] = byte(o.Status)
	off++
	binary.LittleEndian.PutUint64(out[off:], uint64(o.Timestamp))
	off += 8
	out[off] = o.Bump
	return out
}

// DecodeOrder parses an order record.
func DecodeOrder(data []byte) (*Order, error) {
	if len(data) != OrderRecordSize {
		return nil, fmt.Errorf("order record must be %d bytes, got %d", OrderRecordSize, len(data))
	}
	if data[0] != TagOrder {
		return nil, fmt.Errorf("not an order record: tag 0x%02x", data[0])
	}
	o := &Order{}
	off := 1
	o.Owner = getAddress(data[off:])
	off += addrFieldLen
	copy(o.Market[:], data[off:off+32])
	off += 32
	o.OrderID = binary.LittleEndian.Uint64(data[off:])
	off += 8
	o.Side = Side(data[off])
	off++
	o.Price = binary.LittleEndian.Uint64(data[off:])
	off += 8
	o.Quantity = binary.LittleEndian.Uint64(data[off:])
	off += 8
	o.FilledQuantity = binary.LittleEndian.Uint64(data[off:])
	off += 8
	o.Status = OrderStatus(data[off])
	off++
	o.Timestamp = int64(binary.LittleEndian.Uint64(data[off:]))
	off += 8
	o.Bump = data[off]
	return o, nil
}

// DecodeRecord decodes a payload by its tag, returning either *Market or
// *Order.
func DecodeRecord(data []byte) (any, error) {
	switch RecordTag(data) {
	case TagMarket:
		return DecodeMarket(data)
	case TagOrder:
		return DecodeOrder(data)
	default:
		return nil, fmt.Errorf("unknown record tag 0x%02x", RecordTag(data))
	}
}

// RecordTag returns the record-type tag of a raw payload.
func RecordTag(data []byte) byte {
	if len(data) == 0 {
		return 0
	}
	return data[0]
}
