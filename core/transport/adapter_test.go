package transport

import (
	"context"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AvaProtocol/userop-gateway/pkg/erc4337/aaerr"
	"github.com/AvaProtocol/userop-gateway/pkg/erc4337/userop"
)

var testHash = "0xdeadbeef" + strings.Repeat("00", 28)

type fakeBackend struct {
	submitted []*userop.UserOperation
	chainIDs  []uint64
	lookups   []string
	status    *userop.OperationStatus
	err       error
}

func (b *fakeBackend) Submit(_ context.Context, op *userop.UserOperation, chainID uint64) (string, error) {
	b.submitted = append(b.submitted, op)
	b.chainIDs = append(b.chainIDs, chainID)
	if b.err != nil {
		return "", b.err
	}
	return testHash, nil
}

func (b *fakeBackend) Status(_ context.Context, hash string) (*userop.OperationStatus, error) {
	b.lookups = append(b.lookups, hash)
	if b.err != nil {
		return nil, b.err
	}
	if b.status != nil {
		return b.status, nil
	}
	return userop.StatusFromReceipt(hash, nil), nil
}

func raw(t *testing.T, values ...any) []json.RawMessage {
	out := make([]json.RawMessage, len(values))
	for i, v := range values {
		b, err := json.Marshal(v)
		require.NoError(t, err)
		out[i] = b
	}
	return out
}

const signedOp = `{
	"sender":"0x1111111111111111111111111111111111111111",
	"nonce":"0x0",
	"callData":"0x01",
	"callGasLimit":"0x5208",
	"verificationGasLimit":"0x186a0",
	"preVerificationGas":"0xc350",
	"maxFeePerGas":"0x1",
	"maxPriorityFeePerGas":"0x1",
	"signature":"0xabcd"
}`

func TestSendUserOperationDelegatesToBackend(t *testing.T) {
	b := &fakeBackend{}
	a := NewAdapter(b, 1946, nil)

	params := []json.RawMessage{json.RawMessage(signedOp), json.RawMessage(`"0x0000000071727De22E5E9d8BAf0edAc6f37da032"`)}
	result, err := a.Request(context.Background(), "eth_sendUserOperation", params)
	require.NoError(t, err)

	assert.Equal(t, testHash, result)
	require.Len(t, b.submitted, 1)
	assert.Equal(t, big.NewInt(21000), b.submitted[0].CallGasLimit)
	assert.Equal(t, []uint64{1946}, b.chainIDs)
}

func TestSendUserOperationRejectsUnsigned(t *testing.T) {
	b := &fakeBackend{}
	a := NewAdapter(b, 1946, nil)

	unsigned := strings.Replace(signedOp, `"0xabcd"`, `"0x"`, 1)
	_, err := a.Request(context.Background(), "eth_sendUserOperation", []json.RawMessage{json.RawMessage(unsigned)})

	assert.Equal(t, aaerr.ValidationError, aaerr.CodeOf(err))
	assert.Empty(t, b.submitted)
}

func TestGetReceiptPendingIsNull(t *testing.T) {
	a := NewAdapter(&fakeBackend{}, 1946, nil)

	result, err := a.Request(context.Background(), "eth_getUserOperationReceipt", raw(t, testHash))
	require.NoError(t, err)
	assert.Nil(t, result)
}

func TestGetReceiptSettled(t *testing.T) {
	b := &fakeBackend{status: userop.StatusFromReceipt(testHash, &userop.Receipt{
		Success: false,
		Receipt: userop.TxReceipt{BlockNumber: big.NewInt(100)},
	})}
	a := NewAdapter(b, 1946, nil)

	result, err := a.Request(context.Background(), "eth_getUserOperationReceipt", raw(t, testHash))
	require.NoError(t, err)

	wire := result.(map[string]any)
	assert.Equal(t, false, wire["success"])
	assert.Equal(t, "0x64", wire["receipt"].(map[string]any)["blockNumber"])
}

func TestGetByHashReturnsStatus(t *testing.T) {
	a := NewAdapter(&fakeBackend{}, 1946, nil)

	result, err := a.Request(context.Background(), "eth_getUserOperationByHash", raw(t, testHash))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"userOpHash": testHash, "status": "pending"}, result)
}

func TestMalformedHashNeverReachesBackend(t *testing.T) {
	b := &fakeBackend{}
	a := NewAdapter(b, 1946, nil)

	for _, method := range []string{"eth_getUserOperationReceipt", "eth_getUserOperationByHash"} {
		_, err := a.Request(context.Background(), method, raw(t, "0x123"))
		assert.Equal(t, aaerr.InvalidHash, aaerr.CodeOf(err))

		_, err = a.Request(context.Background(), method, raw(t, 5))
		assert.Equal(t, aaerr.InvalidHash, aaerr.CodeOf(err))
	}
	assert.Empty(t, b.lookups)
}

func TestUnsupportedMethod(t *testing.T) {
	b := &fakeBackend{}
	a := NewAdapter(b, 1946, nil)

	for _, method := range []string{"eth_estimateUserOperationGas", "eth_chainId", "pm_getPaymasterData", ""} {
		_, err := a.Request(context.Background(), method, nil)
		assert.Equal(t, aaerr.UnsupportedMethod, aaerr.CodeOf(err), method)
	}
	_, err := a.Request(context.Background(), "eth_call", nil)
	assert.Equal(t, "Unsupported bundler method: eth_call", err.Error())
	assert.Empty(t, b.submitted)
	assert.Empty(t, b.lookups)
}

func serve(t *testing.T, a *Adapter, body string) map[string]any {
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/rpc", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()

	require.NoError(t, a.Handler(e.NewContext(req, rec)))
	assert.Equal(t, http.StatusOK, rec.Code)

	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHandlerSuccessEnvelope(t *testing.T) {
	a := NewAdapter(&fakeBackend{}, 1946, nil)

	out := serve(t, a, `{"jsonrpc":"2.0","id":7,"method":"eth_getUserOperationReceipt","params":["`+testHash+`"]}`)
	assert.Equal(t, float64(7), out["id"])
	assert.Contains(t, out, "result")
	assert.Nil(t, out["result"])
	assert.NotContains(t, out, "error")
}

func TestHandlerUnsupportedMethod(t *testing.T) {
	a := NewAdapter(&fakeBackend{}, 1946, nil)

	out := serve(t, a, `{"jsonrpc":"2.0","id":"a","method":"eth_sendRawTransaction","params":[]}`)
	e := out["error"].(map[string]any)
	assert.Equal(t, float64(-32601), e["code"])
	assert.Equal(t, "Unsupported bundler method: eth_sendRawTransaction", e["message"])
	assert.Equal(t, "UNSUPPORTED_METHOD", e["data"].(map[string]any)["code"])
	assert.Equal(t, "a", out["id"])
}

func TestHandlerUpstreamErrorKeepsMessage(t *testing.T) {
	a := NewAdapter(&fakeBackend{err: aaerr.New(aaerr.BundlerError, "Bundler error: AA21 didn't pay prefund")}, 1946, nil)

	out := serve(t, a, `{"jsonrpc":"2.0","id":1,"method":"eth_sendUserOperation","params":[`+signedOp+`]}`)
	e := out["error"].(map[string]any)
	assert.Equal(t, "Bundler error: AA21 didn't pay prefund", e["message"])
	assert.Equal(t, "BUNDLER_ERROR", e["data"].(map[string]any)["code"])
}

func TestHandlerMalformedRequests(t *testing.T) {
	a := NewAdapter(&fakeBackend{}, 1946, nil)

	out := serve(t, a, `{not json`)
	assert.Equal(t, float64(-32700), out["error"].(map[string]any)["code"])

	out = serve(t, a, `[{"jsonrpc":"2.0","id":1,"method":"eth_chainId"}]`)
	assert.Equal(t, float64(-32600), out["error"].(map[string]any)["code"])

	out = serve(t, a, `{"jsonrpc":"1.0","id":1,"method":"eth_chainId"}`)
	assert.Equal(t, float64(-32600), out["error"].(map[string]any)["code"])

	out = serve(t, a, `{"jsonrpc":"2.0","id":1,"method":"eth_getUserOperationByHash","params":{"hash":"x"}}`)
	assert.Equal(t, float64(-32602), out["error"].(map[string]any)["code"])
}
