package chain

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSelector_KnownValues(t *testing.T) {
	// Well-known keccak-derived selectors pin the hash implementation.
	assert.Equal(t, "0xa9059cbb", Selector("transfer(address,uint256)"))
	assert.Equal(t, "0x252dba42", Selector("aggregate((address,bytes)[])"))
	assert.Equal(t, "0x8da5cb5b", Selector("owner()"))
}

func TestTopic_Length(t *testing.T) {
	topic := Topic("Transfer(address,address,uint256)")
	assert.Equal(t,
		"0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef",
		topic)
}

func TestAggregate_RoundTrip(t *testing.T) {
	target := "0x1111111111111111111111111111111111111111"
	sels := []string{Selector("owner()"), Selector("currentRound()")}

	calldata, err := encodeAggregate(target, sels)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(calldata, "0x252dba42"))

	// Hand-build the matching response: block 99, two 32-byte words.
	word := func(v uint64) string { return uintWord(v) }
	addrRet := strings.Repeat("0", 24) + strings.Repeat("ab", 20)
	roundRet := word(7)

	resp := "0x" + word(99) + word(64) + // blockNumber, offset to bytes[]
		word(2) + word(64) + word(128) + // count, element offsets
		word(32) + addrRet + // element 0: len + data
		word(32) + roundRet // element 1: len + data

	block, returns, err := decodeAggregate(resp)
	require.NoError(t, err)
	assert.Equal(t, uint64(99), block)
	require.Len(t, returns, 2)

	addr, err := decodeAddress(returns[0])
	require.NoError(t, err)
	assert.Equal(t, "0x"+strings.Repeat("ab", 20), addr)

	round, err := decodeUint64(returns[1])
	require.NoError(t, err)
	assert.Equal(t, uint64(7), round)
}

func TestDecodeAggregate_Truncated(t *testing.T) {
	_, _, err := decodeAggregate("0x1234")
	assert.Error(t, err)

	_, _, err = decodeAggregate("0x" + uintWord(1) + uintWord(4096))
	assert.Error(t, err)
}

func TestDecodeAggregate_MalformedOffsetsError(t *testing.T) {
	// Element offset far past the payload must error, not panic.
	_, _, err := decodeAggregate("0x" +
		uintWord(123) + uintWord(64) + uintWord(1) + uintWord(0xffffff))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "element 0 offset")

	// Element count crafted to overflow a naive count*32 check.
	_, _, err = decodeAggregate("0x" +
		uintWord(123) + uintWord(64) + uintWord(1<<63) + uintWord(0))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "truncated")

	// Element byte length far past the payload.
	_, _, err = decodeAggregate("0x" +
		uintWord(123) + uintWord(64) + uintWord(1) + uintWord(32) +
		uintWord(1<<40))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "length out of range")
}

func TestDecodeAddressArray_MalformedOffsetsError(t *testing.T) {
	raw, err := hexBytes("0x" + uintWord(1<<40) + uintWord(0))
	require.NoError(t, err)
	_, err = decodeAddressArray(raw)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "offset out of range")

	raw, err = hexBytes("0x" + uintWord(32) + uintWord(1<<62))
	require.NoError(t, err)
	_, err = decodeAddressArray(raw)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "truncated")
}

func TestDecodeWord_Helpers(t *testing.T) {
	big256 := new(big.Int).Lsh(big.NewInt(1), 200)
	raw := make([]byte, 32)
	big256.FillBytes(raw)

	v, err := decodeUint256(raw)
	require.NoError(t, err)
	assert.Equal(t, 0, v.Cmp(big256))

	_, err = decodeUint64(raw)
	assert.Error(t, err, "values beyond uint64 must not silently wrap")

	b, err := decodeBool(append(make([]byte, 31), 1))
	require.NoError(t, err)
	assert.True(t, b)

	_, err = decodeAddress([]byte{1, 2, 3})
	assert.Error(t, err)
}

func TestDecodeAddressArray(t *testing.T) {
	raw, err := hexBytes("0x" +
		uintWord(32) + uintWord(2) +
		strings.Repeat("0", 24) + strings.Repeat("aa", 20) +
		strings.Repeat("0", 24) + strings.Repeat("bb", 20))
	require.NoError(t, err)

	addrs, err := decodeAddressArray(raw)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"0x" + strings.Repeat("aa", 20),
		"0x" + strings.Repeat("bb", 20),
	}, addrs)
}

func TestHexToUint64(t *testing.T) {
	v, err := HexToUint64("0x1a")
	require.NoError(t, err)
	assert.Equal(t, uint64(26), v)

	_, err = HexToUint64("0x")
	assert.Error(t, err)
	_, err = HexToUint64("0xzz")
	assert.Error(t, err)
}

// rpcHarness serves scripted JSON-RPC responses and counts calls.
type rpcHarness struct {
	t             *testing.T
	ethCalls      atomic.Int64
	multicallErr  string // when set, eth_call against multicall returns this error
	fieldResponse string // hex word returned for per-field eth_calls
}

func (h *rpcHarness) server() *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     int64           `json:"id"`
			Method string          `json:"method"`
			Params json.RawMessage `json:"params"`
		}
		require.NoError(h.t, json.NewDecoder(r.Body).Decode(&req))

		write := func(result any, rpcErr string) {
			resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
			if rpcErr != "" {
				resp["error"] = map[string]any{"code": -32000, "message": rpcErr}
			} else {
				resp["result"] = result
			}
			json.NewEncoder(w).Encode(resp)
		}

		switch req.Method {
		case "eth_blockNumber":
			write("0x64", "")
		case "eth_call":
			h.ethCalls.Add(1)
			var params []json.RawMessage
			require.NoError(h.t, json.Unmarshal(req.Params, &params))
			var callObj struct{ To, Data string }
			require.NoError(h.t, json.Unmarshal(params[0], &callObj))

			if strings.EqualFold(callObj.To, multicallAddr) {
				if h.multicallErr != "" {
					write(nil, h.multicallErr)
					return
				}
				write(h.aggregateResponse(), "")
				return
			}
			write("0x"+h.fieldResponse, "")
		case "eth_sendTransaction":
			write("0xdeadbeef", "")
		default:
			write(nil, "method not found")
		}
	}))
}

func (h *rpcHarness) aggregateResponse() string {
	// All fields return word(5): valid for every numeric/bool/address
	// decoder in the read set.
	n := len(roundFields)
	var sb strings.Builder
	sb.WriteString("0x")
	sb.WriteString(uintWord(123)) // block
	sb.WriteString(uintWord(64))  // array offset
	sb.WriteString(uintWord(uint64(n)))
	for i := 0; i < n; i++ {
		sb.WriteString(uintWord(uint64(n*32 + i*64)))
	}
	for i := 0; i < n; i++ {
		sb.WriteString(uintWord(32))
		sb.WriteString(uintWord(5))
	}
	return sb.String()
}

const (
	contractAddr  = "0x2222222222222222222222222222222222222222"
	multicallAddr = "0xca11bde05977b3631167028862be2a173976ca11"
)

func newTestClient(url string) *Client {
	return NewClient(Config{
		RPCURL:     url,
		Contract:   contractAddr,
		Multicall:  multicallAddr,
		KeeperFrom: "0x3333333333333333333333333333333333333333",
		RPS:        1000,
		Burst:      1000,
	})
}

func TestReadRound_Batched(t *testing.T) {
	h := &rpcHarness{t: t}
	srv := h.server()
	defer srv.Close()

	c := newTestClient(srv.URL)
	state, err := c.ReadRound(context.Background())
	require.NoError(t, err)

	assert.Equal(t, uint64(123), state.Block)
	require.NotNil(t, state.Round)
	assert.Equal(t, uint64(5), *state.Round)
	require.NotNil(t, state.PotWei)
	assert.Equal(t, int64(5), state.PotWei.Int64())
	assert.False(t, c.FallbackMode())
	assert.Equal(t, int64(1), h.ethCalls.Load(), "batched read is one eth_call")
}

func TestReadRound_StickyFallback(t *testing.T) {
	h := &rpcHarness{t: t, multicallErr: "execution reverted", fieldResponse: uintWord(9)}
	srv := h.server()
	defer srv.Close()

	c := newTestClient(srv.URL)
	state, err := c.ReadRound(context.Background())
	require.NoError(t, err)
	assert.True(t, c.FallbackMode())
	require.NotNil(t, state.Round)
	assert.Equal(t, uint64(9), *state.Round)

	// First read: 1 rejected multicall + one call per field.
	firstCalls := h.ethCalls.Load()
	assert.Equal(t, int64(1+len(roundFields)), firstCalls)

	// Second read: the multicall is never re-probed.
	_, err = c.ReadRound(context.Background())
	require.NoError(t, err)
	assert.Equal(t, firstCalls+int64(len(roundFields)), h.ethCalls.Load())
}

func TestReadRound_TransientErrorPropagates(t *testing.T) {
	h := &rpcHarness{t: t, multicallErr: "connection refused upstream"}
	srv := h.server()
	defer srv.Close()

	c := newTestClient(srv.URL)
	_, err := c.ReadRound(context.Background())
	require.Error(t, err)
	assert.False(t, c.FallbackMode(), "transient errors must not latch fallback")
}

func TestBlockNumber(t *testing.T) {
	h := &rpcHarness{t: t}
	srv := h.server()
	defer srv.Close()

	c := newTestClient(srv.URL)
	n, err := c.BlockNumber(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(0x64), n)
}

func TestSubmitReveal(t *testing.T) {
	h := &rpcHarness{t: t}
	srv := h.server()
	defer srv.Close()

	c := newTestClient(srv.URL)
	tx, err := c.SubmitReveal(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, "0xdeadbeef", tx)
}

func TestIsBatchRejection(t *testing.T) {
	assert.True(t, isBatchRejection(assertErr("rpc error -32000: execution reverted")))
	assert.True(t, isBatchRejection(assertErr("Method Not Found")))
	assert.False(t, isBatchRejection(assertErr("i/o timeout")))
	assert.False(t, isBatchRejection(nil))
}

func assertErr(msg string) error { return &rpcError{Code: -32000, Message: msg} }

func TestAddressWord(t *testing.T) {
	w, err := addressWord("0xABCDEFabcdefABCDEFabcdefABCDEFabcdefABCD")
	require.NoError(t, err)
	decoded, err := hex.DecodeString(w)
	require.NoError(t, err)
	assert.Len(t, decoded, 32)

	_, err = addressWord("0x1234")
	assert.Error(t, err)
}
