// Package protocol implements the length-prefixed wire frame used between
// the server and a slave: preamble, version, address, command, payload,
// and a trailing CRC16 covering everything after the preamble.
package protocol

// crc16Table is the precomputed CRC16-CCITT-FALSE table (poly 0x1021, no
// reflection, no final XOR), matching the table the original firmware
// built lazily on first use.
var crc16Table = buildCRC16Table()

func buildCRC16Table() [256]uint16 {
	var tab [256]uint16
	const poly = 0x1021
	for i := 0; i < 256; i++ {
		crc := uint16(i) << 8
		for bit := 0; bit < 8; bit++ {
			if crc&0x8000 != 0 {
				crc = (crc << 1) ^ poly
			} else {
				crc = crc << 1
			}
		}
		tab[i] = crc
	}
	return tab
}

// CRC16 computes CRC16-CCITT-FALSE over data, starting from the given
// initial value. Callers covering a fresh frame should pass InitialCRC16.
func CRC16(data []byte, init uint16) uint16 {
	crc := init
	for _, b := range data {
		crc = (crc << 8) ^ crc16Table[byte(crc>>8)^b]
	}
	return crc
}

// InitialCRC16 is the seed value for a fresh CRC16-CCITT-FALSE run.
const InitialCRC16 = 0xFFFF
