package chain

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"golang.org/x/crypto/sha3"
)

// Selector returns the 4-byte call selector for a solidity signature,
// 0x-prefixed.
func Selector(sig string) string {
	return "0x" + hex.EncodeToString(keccak(sig)[:4])
}

// Topic returns the 32-byte event topic hash for a solidity signature,
// 0x-prefixed.
func Topic(sig string) string {
	return "0x" + hex.EncodeToString(keccak(sig))
}

func keccak(s string) []byte {
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(s))
	return h.Sum(nil)
}

// encodeAggregate builds Multicall3 aggregate((address,bytes)[])
// calldata for a set of single-selector calls against one target.
func encodeAggregate(target string, selectors []string) (string, error) {
	targetWord, err := addressWord(target)
	if err != nil {
		return "", err
	}

	var head, tuples strings.Builder
	head.WriteString(strings.TrimPrefix(Selector("aggregate((address,bytes)[])"), "0x"))
	head.WriteString(uintWord(32)) // offset to the calls array

	// Array region: length, per-tuple offsets, then tuple bodies.
	n := len(selectors)
	var body strings.Builder
	body.WriteString(uintWord(uint64(n)))

	tupleOffset := uint64(n * 32)
	for _, sel := range selectors {
		body.WriteString(uintWord(tupleOffset))

		data := strings.TrimPrefix(sel, "0x")
		if len(data)%2 != 0 {
			return "", fmt.Errorf("chain: odd-length calldata %q", sel)
		}
		dataLen := uint64(len(data) / 2)
		padded := data + strings.Repeat("0", int((32-dataLen%32)%32)*2)

		tuples.WriteString(targetWord)
		tuples.WriteString(uintWord(64)) // offset of bytes within the tuple
		tuples.WriteString(uintWord(dataLen))
		tuples.WriteString(padded)

		tupleOffset += uint64(3*32) + uint64(len(padded)/2)
	}

	return "0x" + head.String() + body.String() + tuples.String(), nil
}

// decodeAggregate unpacks the (uint256 blockNumber, bytes[] returnData)
// result of a Multicall3 aggregate call.
func decodeAggregate(result string) (blockNumber uint64, returns [][]byte, err error) {
	raw, err := hexBytes(result)
	if err != nil {
		return 0, nil, err
	}
	if len(raw) < 64 {
		return 0, nil, fmt.Errorf("chain: aggregate result too short (%d bytes)", len(raw))
	}

	blockNumber = wordUint64(raw[0:32])
	arrOff := wordUint64(raw[32:64])
	// Subtraction form so hostile offsets cannot overflow the check.
	if arrOff > uint64(len(raw))-32 {
		return 0, nil, fmt.Errorf("chain: aggregate array offset out of range")
	}

	arr := raw[arrOff:]
	count := wordUint64(arr[0:32])
	if count > (uint64(len(arr))-32)/32 {
		return 0, nil, fmt.Errorf("chain: aggregate array truncated")
	}

	returns = make([][]byte, 0, count)
	for i := uint64(0); i < count; i++ {
		elOff := wordUint64(arr[32+i*32 : 64+i*32])
		if elOff > uint64(len(arr))-32 {
			return 0, nil, fmt.Errorf("chain: aggregate element %d offset out of range", i)
		}
		el := arr[32+elOff:]
		if len(el) < 32 {
			return 0, nil, fmt.Errorf("chain: aggregate element %d truncated", i)
		}
		elLen := wordUint64(el[0:32])
		if elLen > uint64(len(el))-32 {
			return 0, nil, fmt.Errorf("chain: aggregate element %d length out of range", i)
		}
		returns = append(returns, el[32:32+elLen])
	}
	return blockNumber, returns, nil
}

// Word decoders for single eth_call return values.

func decodeUint256(raw []byte) (*big.Int, error) {
	if len(raw) < 32 {
		return nil, fmt.Errorf("chain: short uint256 word (%d bytes)", len(raw))
	}
	return new(big.Int).SetBytes(raw[:32]), nil
}

func decodeUint64(raw []byte) (uint64, error) {
	v, err := decodeUint256(raw)
	if err != nil {
		return 0, err
	}
	if !v.IsUint64() {
		return 0, fmt.Errorf("chain: uint256 %s overflows uint64", v)
	}
	return v.Uint64(), nil
}

func decodeBool(raw []byte) (bool, error) {
	v, err := decodeUint256(raw)
	if err != nil {
		return false, err
	}
	return v.Sign() != 0, nil
}

func decodeAddress(raw []byte) (string, error) {
	if len(raw) < 32 {
		return "", fmt.Errorf("chain: short address word (%d bytes)", len(raw))
	}
	return "0x" + hex.EncodeToString(raw[12:32]), nil
}

func addressWord(addr string) (string, error) {
	a := strings.ToLower(strings.TrimPrefix(addr, "0x"))
	if len(a) != 40 {
		return "", fmt.Errorf("chain: invalid address %q", addr)
	}
	if _, err := hex.DecodeString(a); err != nil {
		return "", fmt.Errorf("chain: invalid address %q: %w", addr, err)
	}
	return strings.Repeat("0", 24) + a, nil
}

func uintWord(v uint64) string {
	return fmt.Sprintf("%064x", v)
}

func wordUint64(w []byte) uint64 {
	v := new(big.Int).SetBytes(w)
	if !v.IsUint64() {
		return 0
	}
	return v.Uint64()
}

func hexBytes(s string) ([]byte, error) {
	s = strings.TrimPrefix(s, "0x")
	if len(s)%2 != 0 {
		s = "0" + s
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("chain: invalid hex payload: %w", err)
	}
	return b, nil
}

// HexWords splits 0x-prefixed event data into 32-byte words.
func HexWords(s string) ([]*big.Int, error) {
	raw, err := hexBytes(s)
	if err != nil {
		return nil, err
	}
	if len(raw)%32 != 0 {
		return nil, fmt.Errorf("chain: event data is not word aligned (%d bytes)", len(raw))
	}
	words := make([]*big.Int, 0, len(raw)/32)
	for i := 0; i < len(raw); i += 32 {
		words = append(words, new(big.Int).SetBytes(raw[i:i+32]))
	}
	return words, nil
}

// HexToUint64 parses a 0x-prefixed quantity as used by JSON-RPC.
func HexToUint64(s string) (uint64, error) {
	s = strings.TrimPrefix(s, "0x")
	if s == "" {
		return 0, fmt.Errorf("chain: empty quantity")
	}
	v, ok := new(big.Int).SetString(s, 16)
	if !ok || !v.IsUint64() {
		return 0, fmt.Errorf("chain: invalid quantity %q", s)
	}
	return v.Uint64(), nil
}
