package apiclient

import (
	"context"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AvaProtocol/userop-gateway/pkg/erc4337/aaerr"
	"github.com/AvaProtocol/userop-gateway/pkg/erc4337/userop"
)

var testHash = "0x" + strings.Repeat("12", 32)

type fakeGateway struct {
	srv      *httptest.Server
	hits     atomic.Int32
	lastPath atomic.Value
	lastBody atomic.Value
}

func newFakeGateway(t *testing.T, status int, body string) *fakeGateway {
	f := &fakeGateway{}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.hits.Add(1)
		f.lastPath.Store(r.Method + " " + r.URL.Path)
		raw, _ := io.ReadAll(r.Body)
		f.lastBody.Store(raw)
		if strings.HasPrefix(body, "{") {
			w.Header().Set("Content-Type", "application/json")
		}
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func op() *userop.UserOperation {
	return &userop.UserOperation{
		Sender:       common.HexToAddress("0x1111111111111111111111111111111111111111"),
		Nonce:        big.NewInt(0),
		CallData:     []byte{0x01},
		CallGasLimit: big.NewInt(21000),
	}
}

func TestSponsorSendsWireOperation(t *testing.T) {
	f := newFakeGateway(t, http.StatusOK, `{"success":true,"data":{
		"paymaster":"0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
		"paymasterData":"0x",
		"paymasterVerificationGasLimit":"0x186a0",
		"paymasterPostOpGasLimit":"0x0"}}`)

	result, err := New(f.srv.URL+"/", 0, nil).Sponsor(context.Background(), op(), 1946)
	require.NoError(t, err)

	assert.Equal(t, "POST /api/user-operations/sponsor", f.lastPath.Load())
	var sent map[string]any
	require.NoError(t, json.Unmarshal(f.lastBody.Load().([]byte), &sent))
	assert.Equal(t, float64(1946), sent["chainId"])
	assert.Equal(t, "0x5208", sent["userOp"].(map[string]any)["callGasLimit"])
	assert.Equal(t, "0x0", sent["userOp"].(map[string]any)["nonce"])

	require.NotNil(t, result.Paymaster)
	assert.Equal(t, big.NewInt(100000), result.PaymasterVerificationGasLimit)
	require.NotNil(t, result.PaymasterPostOpGasLimit)
	assert.Zero(t, result.PaymasterPostOpGasLimit.Sign())
}

func TestFailureEnvelopeKeepsCode(t *testing.T) {
	f := newFakeGateway(t, http.StatusForbidden, `{"success":false,"error":{"code":"SPONSORSHIP_DENIED","message":"Not eligible for gas sponsorship"}}`)

	_, err := New(f.srv.URL, 0, nil).Sponsor(context.Background(), op(), 1946)
	require.Error(t, err)
	assert.Equal(t, aaerr.SponsorshipDenied, aaerr.CodeOf(err))
	assert.Equal(t, "Not eligible for gas sponsorship", err.Error())
}

func TestFailureEnvelopeWithForeignCode(t *testing.T) {
	f := newFakeGateway(t, http.StatusBadRequest, `{"success":false,"error":{"code":"INVALID_FIELDS","message":"invalid hash"}}`)

	_, err := New(f.srv.URL, 0, nil).Submit(context.Background(), op(), 1946)
	require.Error(t, err)
	assert.Equal(t, aaerr.InternalError, aaerr.CodeOf(err))
	assert.Equal(t, "invalid hash", err.Error())
}

func TestSubmitReturnsHash(t *testing.T) {
	f := newFakeGateway(t, http.StatusOK, `{"success":true,"data":{"userOpHash":"`+testHash+`","status":"submitted"}}`)

	hash, err := New(f.srv.URL, 0, nil).Submit(context.Background(), op(), 1946)
	require.NoError(t, err)
	assert.Equal(t, testHash, hash)
	assert.Equal(t, "POST /api/user-operations", f.lastPath.Load())
}

func TestStatus(t *testing.T) {
	f := newFakeGateway(t, http.StatusOK, `{"success":true,"data":{"userOpHash":"`+testHash+`","status":"confirmed","receipt":{
		"userOpHash":"`+testHash+`","success":true,"actualGasCost":"0x10","actualGasUsed":"0x5208","logs":[],
		"receipt":{"transactionHash":"`+testHash+`","blockNumber":"0x64","logs":[]}}}}`)

	status, err := New(f.srv.URL, 0, nil).Status(context.Background(), testHash)
	require.NoError(t, err)
	assert.Equal(t, userop.StatusConfirmed, status.Status)
	require.True(t, status.Settled())
	assert.Equal(t, big.NewInt(100), status.Receipt.Receipt.BlockNumber)
	assert.Equal(t, "GET /api/user-operations/"+testHash, f.lastPath.Load())
}

func TestStatusMalformedHashIsLocal(t *testing.T) {
	f := newFakeGateway(t, http.StatusOK, `{}`)

	_, err := New(f.srv.URL, 0, nil).Status(context.Background(), "0x123")
	assert.Equal(t, aaerr.InvalidHash, aaerr.CodeOf(err))
	assert.Zero(t, f.hits.Load())
}

func TestNonEnvelopeFailure(t *testing.T) {
	f := newFakeGateway(t, http.StatusBadGateway, `upstream exploded`)

	_, err := New(f.srv.URL, 0, nil).Submit(context.Background(), op(), 1946)
	require.Error(t, err)
	assert.Equal(t, aaerr.InternalError, aaerr.CodeOf(err))
	assert.Contains(t, err.Error(), "502")
}
