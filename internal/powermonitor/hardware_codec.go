package powermonitor

import (
	"crypto/aes"
	"encoding/binary"
	"fmt"
)

// The USB-C power meter speaks a request/response protocol over a serial
// line: an ASCII command terminated by CRLF, answered with a fixed-size
// 192-byte frame encrypted with AES in ECB mode under a fixed key. Field
// offsets and divisors below are the device's documented register map.

const (
	frameSize = 192

	// frameKey is the meter's fixed 32-byte AES-256 key, per the device's
	// protocol documentation. It is not a secret in the security sense —
	// every unit of this meter model ships with the same key — but it is
	// part of the wire format, not configuration, so it is not exposed
	// via Config.
	frameKeyHex = "0123456789abcdeffedcba9876543210" +
		"0123456789abcdeffedcba9876543210"
)

const (
	offsetVoltage         = 2
	offsetCurrent         = 4
	offsetPower           = 8
	offsetResistance      = 12
	offsetAccumCurrent    = 16
	offsetAccumPower      = 20
	offsetTemperature     = 24
	offsetTemperatureSign = 88

	divisorVoltage     = 100.0
	divisorCurrent     = 1000.0
	divisorPower       = 10.0
	divisorResistance  = 10.0
	divisorAccumAmpH   = 1000.0
	divisorAccumWh     = 10.0
	divisorTemperature = 10.0
)

// readCommand is the ASCII command this implementation issues to request a
// fresh measurement frame.
const readCommand = "getva"

func frameKey() []byte {
	key := make([]byte, 32)
	for i := 0; i < 32; i++ {
		_, _ = fmt.Sscanf(frameKeyHex[i*2:i*2+2], "%02x", &key[i])
	}
	return key
}

// decryptFrameECB decrypts a 192-byte ciphertext frame using AES in ECB
// mode. crypto/cipher intentionally does not provide an ECB implementation
// (ECB leaks block-level plaintext patterns and is unsafe for general use),
// so this device-specific decode loop is built directly on crypto/aes block
// operations, one block at a time, with no chaining between blocks — which
// is exactly what this device's firmware expects on the wire.
func decryptFrameECB(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) != frameSize {
		return nil, fmt.Errorf("powermonitor: frame must be %d bytes, got %d", frameSize, len(ciphertext))
	}
	block, err := aes.NewCipher(frameKey())
	if err != nil {
		return nil, fmt.Errorf("powermonitor: building AES cipher: %w", err)
	}
	blockSize := block.BlockSize()
	if len(ciphertext)%blockSize != 0 {
		return nil, fmt.Errorf("powermonitor: frame length %d not a multiple of block size %d", len(ciphertext), blockSize)
	}

	plaintext := make([]byte, len(ciphertext))
	for offset := 0; offset < len(ciphertext); offset += blockSize {
		block.Decrypt(plaintext[offset:offset+blockSize], ciphertext[offset:offset+blockSize])
	}
	return plaintext, nil
}

// rawFrame is the decoded register view of one measurement frame, before
// scaling into PowerReading's physical units.
type rawFrame struct {
	voltage     uint32
	current     uint32
	power       uint32
	resistance  uint32
	accumAmpH   uint32
	accumWh     uint32
	temperature uint32
	tempNeg     bool
}

func parseFrame(plaintext []byte) (rawFrame, error) {
	if len(plaintext) != frameSize {
		return rawFrame{}, fmt.Errorf("powermonitor: decoded frame must be %d bytes, got %d", frameSize, len(plaintext))
	}
	u32 := func(offset int) uint32 {
		return binary.LittleEndian.Uint32(plaintext[offset : offset+4])
	}
	return rawFrame{
		voltage:     u32(offsetVoltage),
		current:     u32(offsetCurrent),
		power:       u32(offsetPower),
		resistance:  u32(offsetResistance),
		accumAmpH:   u32(offsetAccumCurrent),
		accumWh:     u32(offsetAccumPower),
		temperature: u32(offsetTemperature),
		tempNeg:     plaintext[offsetTemperatureSign]&0x01 != 0,
	}, nil
}

func (f rawFrame) toReading(baseConsumption float64) PowerReading {
	temp := float64(f.temperature) / divisorTemperature
	if f.tempNeg {
		temp = -temp
	}
	return PowerReading{
		Voltage:     float64(f.voltage) / divisorVoltage,
		Current:     float64(f.current) / divisorCurrent,
		Power:       float64(f.power) / divisorPower,
		Consumption: baseConsumption,
		Temperature: temp,
	}
}
