// Copyright 2026 © The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

package metering

import "fmt"

// point is a metering insertion: charge cost[region] after body[:offset].
type point struct {
	offset int
	region int
}

func instrumentCode(payload []byte, fuel uint32) ([]byte, int, error) {
	r := &reader{b: payload}
	n, err := r.u32()
	if err != nil {
		return nil, 0, err
	}
	out := appendU32(make([]byte, 0, len(payload)+int(n)*24), n)
	total := 0
	for i := uint32(0); i < n; i++ {
		size, err := r.u32()
		if err != nil {
			return nil, 0, err
		}
		body, err := r.next(int(size))
		if err != nil {
			return nil, 0, err
		}
		rewritten, points, err := instrumentBody(body, fuel)
		if err != nil {
			return nil, 0, fmt.Errorf("function body %d: %w", i, err)
		}
		out = appendU32(out, uint32(len(rewritten)))
		out = append(out, rewritten...)
		total += points
	}
	if !r.eof() {
		return nil, 0, fmt.Errorf("%w: trailing bytes in code section", ErrMalformed)
	}
	return out, total, nil
}

func instrumentBody(body []byte, fuel uint32) ([]byte, int, error) {
	r := &reader{b: body}
	groups, err := r.u32()
	if err != nil {
		return nil, 0, err
	}
	for i := uint32(0); i < groups; i++ {
		if _, err := r.u32(); err != nil {
			return nil, 0, err
		}
		if _, err := r.readByte(); err != nil {
			return nil, 0, err
		}
	}

	points := []point{{offset: r.pos, region: 0}}
	costs := []int64{0}
	// control holds, per open block, the region it charges to.
	control := []int{0}
	for {
		if len(control) == 0 {
			if !r.eof() {
				return nil, 0, fmt.Errorf("%w: code after final end", ErrMalformed)
			}
			break
		}
		region := control[len(control)-1]
		op, err := r.readByte()
		if err != nil {
			return nil, 0, err
		}
		costs[region]++
		switch op {
		case 0x02, 0x04: // block, if
			if err := skipBlockType(r); err != nil {
				return nil, 0, err
			}
			control = append(control, region)
		case 0x03: // loop
			if err := skipBlockType(r); err != nil {
				return nil, 0, err
			}
			costs = append(costs, 0)
			loop := len(costs) - 1
			points = append(points, point{offset: r.pos, region: loop})
			control = append(control, loop)
		case 0x0b: // end
			control = control[:len(control)-1]
		case 0x23, 0x24: // global.get, global.set
			idx, err := r.u32()
			if err != nil {
				return nil, 0, err
			}
			if idx >= fuel {
				return nil, 0, fmt.Errorf("%w: global index %d out of range", ErrMalformed, idx)
			}
		default:
			if err := skipImmediates(r, op); err != nil {
				return nil, 0, err
			}
		}
	}

	out := make([]byte, 0, len(body)+len(points)*24)
	prev := 0
	for _, p := range points {
		out = append(out, body[prev:p.offset]...)
		out = appendCharge(out, fuel, costs[p.region])
		prev = p.offset
	}
	out = append(out, body[prev:]...)
	return out, len(points), nil
}

// appendCharge emits: fuel -= cost; if fuel < 0 { unreachable }.
func appendCharge(dst []byte, fuel uint32, cost int64) []byte {
	dst = append(dst, 0x23)
	dst = appendU32(dst, fuel)
	dst = append(dst, 0x42)
	dst = appendS64(dst, cost)
	dst = append(dst, 0x7d, 0x24)
	dst = appendU32(dst, fuel)
	dst = append(dst, 0x23)
	dst = appendU32(dst, fuel)
	return append(dst, 0x42, 0x00, 0x53, 0x04, 0x40, 0x00, 0x0b)
}

func skipBlockType(r *reader) error {
	c, err := r.peekByte()
	if err != nil {
		return err
	}
	switch c {
	case 0x40, 0x7f, 0x7e, 0x7d, 0x7c, 0x7b, 0x70, 0x6f:
		r.pos++
		return nil
	}
	return r.skipSigned(5)
}

func skipImmediates(r *reader, op byte) error {
	switch {
	case op == 0x00, op == 0x01, op == 0x05, op == 0x0f, op == 0x1a, op == 0x1b, op == 0xd1:
		return nil
	case op == 0x0c, op == 0x0d, op == 0x10, op == 0xd2,
		op >= 0x20 && op <= 0x22, op == 0x25, op == 0x26:
		_, err := r.u32()
		return err
	case op == 0x0e: // br_table
		n, err := r.u32()
		if err != nil {
			return err
		}
		for i := uint32(0); i <= n; i++ {
			if _, err := r.u32(); err != nil {
				return err
			}
		}
		return nil
	case op == 0x11: // call_indirect
		if _, err := r.u32(); err != nil {
			return err
		}
		_, err := r.u32()
		return err
	case op == 0x1c: // select t*
		n, err := r.u32()
		if err != nil {
			return err
		}
		_, err = r.next(int(n))
		return err
	case op >= 0x28 && op <= 0x3e: // memarg
		if _, err := r.u32(); err != nil {
			return err
		}
		_, err := r.u32()
		return err
	case op == 0x3f, op == 0x40: // memory.size, memory.grow
		_, err := r.u32()
		return err
	case op == 0x41:
		return r.skipSigned(5)
	case op == 0x42:
		return r.skipSigned(10)
	case op == 0x43:
		_, err := r.next(4)
		return err
	case op == 0x44:
		_, err := r.next(8)
		return err
	case op >= 0x45 && op <= 0xc4:
		return nil
	case op == 0xd0: // ref.null
		_, err := r.readByte()
		return err
	case op == 0xfc:
		return skipMisc(r)
	case op == 0xfd:
		return fmt.Errorf("%w: simd", ErrUnsupported)
	case op == 0xfe:
		return fmt.Errorf("%w: threads", ErrUnsupported)
	default:
		return fmt.Errorf("%w: opcode %#x", ErrUnsupported, op)
	}
}

func skipMisc(r *reader) error {
	sub, err := r.u32()
	if err != nil {
		return err
	}
	var immediates int
	switch {
	case sub <= 7: // saturating truncation
		return nil
	case sub == 8: // memory.init dataidx, memidx
		immediates = 2
	case sub == 9, sub == 11, sub == 13, sub == 15, sub == 16, sub == 17:
		immediates = 1
	case sub == 10, sub == 12, sub == 14:
		immediates = 2
	default:
		return fmt.Errorf("%w: 0xfc %d", ErrUnsupported, sub)
	}
	for i := 0; i < immediates; i++ {
		if _, err := r.u32(); err != nil {
			return err
		}
	}
	return nil
}
