package gateway

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/allegro/bigcache/v3"
	"github.com/ethereum/go-ethereum/common"
	"github.com/goccy/go-json"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AvaProtocol/userop-gateway/metrics"
	"github.com/AvaProtocol/userop-gateway/pkg/erc4337/bundler"
	"github.com/AvaProtocol/userop-gateway/pkg/erc4337/paymaster"
	"github.com/AvaProtocol/userop-gateway/pkg/jsonrpc"
)

const entryPoint = "0x0000000071727De22E5E9d8BAf0edAc6f37da032"

var (
	testHash   = "0x" + strings.Repeat("ab", 32)
	txHash     = "0x" + strings.Repeat("cd", 32)
	blockHash  = "0x" + strings.Repeat("ef", 32)
	sponsorRes = `{"paymaster":"0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa","paymasterData":"0x0102","paymasterVerificationGasLimit":"0x186a0","paymasterPostOpGasLimit":"0x0","callGasLimit":"0x7530"}`
	receiptRes = `{"userOpHash":"` + testHash + `","sender":"0x1111111111111111111111111111111111111111","nonce":"0x0","actualGasUsed":"0x5208","actualGasCost":"0x2386f26fc10000","success":true,"logs":[],"receipt":{"transactionHash":"` + txHash + `","blockNumber":"0x64","blockHash":"` + blockHash + `","logs":[]}}`
)

// upstream plays both the paymaster and the bundler.
type upstream struct {
	srv     *httptest.Server
	mu      sync.Mutex
	methods []string
	results map[string]string
}

func newUpstream(t *testing.T) *upstream {
	u := &upstream{results: map[string]string{
		"pm_getPaymasterData":         sponsorRes,
		"eth_sendUserOperation":       `"` + testHash + `"`,
		"eth_getUserOperationReceipt": "null",
		"eth_getUserOperationByHash":  "null",
	}}
	u.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var req jsonrpc.Request
		_ = json.Unmarshal(body, &req)

		u.mu.Lock()
		u.methods = append(u.methods, req.Method)
		result := u.results[req.Method]
		u.mu.Unlock()

		if strings.HasPrefix(result, "error:") {
			_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"error":{"code":-32500,"message":"` + strings.TrimPrefix(result, "error:") + `"}}`))
			return
		}
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":` + result + `}`))
	}))
	t.Cleanup(u.srv.Close)
	return u
}

func (u *upstream) set(method, result string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.results[method] = result
}

func (u *upstream) calls() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]string{}, u.methods...)
}

type harness struct {
	up      *upstream
	echo    *echo.Echo
	metrics *metrics.GatewayMetrics
}

func newHarness(t *testing.T, opts ...paymaster.Option) *harness {
	up := newUpstream(t)
	reg := prometheus.NewRegistry()
	m := metrics.NewGatewayMetrics(reg)

	pm := paymaster.NewClient(
		jsonrpc.NewClient(jsonrpc.Options{Name: "paymaster", URL: up.srv.URL, Observer: m}),
		paymaster.Config{ChainID: 1946, EntryPoint: common.HexToAddress(entryPoint), PaymasterID: "pm", CalculateGasLimits: true},
		nil, append(opts, paymaster.WithOutcome(m))...)
	bc := bundler.NewBundlerClient(
		jsonrpc.NewClient(jsonrpc.Options{Name: "bundler", URL: up.srv.URL, Observer: m}),
		common.HexToAddress(entryPoint), nil)

	cache, err := bigcache.New(context.Background(), receiptCacheConfig(time.Minute))
	require.NoError(t, err)
	t.Cleanup(func() { _ = cache.Close() })

	svc := NewService(pm, bc, 1946, cache, nil)
	e := NewHttpServer(svc, ServerOptions{
		AllowedOrigins: []string{"http://localhost:3000"},
		Health:         HealthInfo{Paymaster: "configured", Bundler: "not configured", ChainName: "Soneium Minato", RpcUrl: "https://rpc.minato.soneium.org"},
		Registry:       reg,
		Requests:       m,
	})
	return &harness{up: up, echo: e, metrics: m}
}

func (h *harness) do(t *testing.T, method, path, body string) (int, map[string]any) {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	h.echo.ServeHTTP(rec, req)

	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return rec.Code, out
}

func errorCode(out map[string]any) string {
	return out["error"].(map[string]any)["code"].(string)
}

const partialOp = `{"sender":"0x1111111111111111111111111111111111111111","nonce":"0","callData":"0xb61d27f6","callGasLimit":"21000"}`

const signedOp = `{
	"sender":"0x1111111111111111111111111111111111111111",
	"nonce":"0x0",
	"callData":"0xb61d27f6",
	"callGasLimit":"0x7530",
	"verificationGasLimit":"0x186a0",
	"preVerificationGas":"0xc350",
	"maxFeePerGas":"0x3b9aca00",
	"maxPriorityFeePerGas":"0x3b9aca00",
	"paymaster":"0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
	"paymasterData":"0x0102",
	"paymasterVerificationGasLimit":"0x186a0",
	"paymasterPostOpGasLimit":"0x0",
	"signature":"0xabcd"
}`

func TestHealth(t *testing.T) {
	h := newHarness(t)

	code, out := h.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", out["status"])
	assert.Equal(t, map[string]any{"paymaster": "configured", "bundler": "not configured"}, out["services"])
	assert.Equal(t, float64(1946), out["chain"].(map[string]any)["id"])
	_, err := time.Parse(time.RFC3339, out["timestamp"].(string))
	assert.NoError(t, err)
}

func TestSponsorRoute(t *testing.T) {
	h := newHarness(t)

	code, out := h.do(t, http.MethodPost, "/api/user-operations/sponsor", `{"userOp":`+partialOp+`,"chainId":1946}`)
	require.Equal(t, http.StatusOK, code, out)
	assert.Equal(t, true, out["success"])

	data := out["data"].(map[string]any)
	assert.Equal(t, "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", strings.ToLower(data["paymaster"].(string)))
	assert.Equal(t, "0x0", data["paymasterPostOpGasLimit"])
	assert.Equal(t, "0x7530", data["callGasLimit"])
	assert.Equal(t, []string{"pm_getPaymasterData"}, h.up.calls())
}

func TestSponsorWrongChainMakesNoCall(t *testing.T) {
	h := newHarness(t)

	code, out := h.do(t, http.MethodPost, "/api/user-operations/sponsor", `{"userOp":`+partialOp+`,"chainId":1}`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, false, out["success"])
	assert.Equal(t, "INVALID_CHAIN", errorCode(out))
	assert.Equal(t, "Invalid chainId 1. Only chain 1946 is supported.", out["error"].(map[string]any)["message"])
	assert.Empty(t, h.up.calls())
}

func TestSponsorDenied(t *testing.T) {
	policy, err := paymaster.NewExprPolicy(`deployed`)
	require.NoError(t, err)
	h := newHarness(t, paymaster.WithEligibility(policy))

	undeployed := `{"sender":"0x1111111111111111111111111111111111111111","factory":"0x2222222222222222222222222222222222222222","factoryData":"0x01"}`
	code, out := h.do(t, http.MethodPost, "/api/user-operations/sponsor", `{"userOp":`+undeployed+`,"chainId":1946}`)
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, "SPONSORSHIP_DENIED", errorCode(out))
	assert.Empty(t, h.up.calls())
}

func TestRequestValidation(t *testing.T) {
	h := newHarness(t)

	cases := map[string]string{
		"not json":          `{`,
		"missing chain":     `{"userOp":` + partialOp + `}`,
		"negative chain":    `{"userOp":` + partialOp + `,"chainId":-1}`,
		"fractional chain":  `{"userOp":` + partialOp + `,"chainId":1946.5}`,
		"string chain":      `{"userOp":` + partialOp + `,"chainId":"1946"}`,
		"missing userOp":    `{"chainId":1946}`,
		"bad sender":        `{"userOp":{"sender":"0x12"},"chainId":1946}`,
		"factory half":      `{"userOp":{"sender":"0x1111111111111111111111111111111111111111","factory":"0x2222222222222222222222222222222222222222"},"chainId":1946}`,
		"bad quantity":      `{"userOp":{"sender":"0x1111111111111111111111111111111111111111","nonce":"0xzz"},"chainId":1946}`,
	}
	for name, body := range cases {
		code, out := h.do(t, http.MethodPost, "/api/user-operations/sponsor", body)
		assert.Equal(t, http.StatusBadRequest, code, name)
		assert.Equal(t, "VALIDATION_ERROR", errorCode(out), name)
	}

	code, out := h.do(t, http.MethodPost, "/api/user-operations", `{"userOp":`+partialOp+`,"chainId":1946}`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "VALIDATION_ERROR", errorCode(out))

	assert.Empty(t, h.up.calls())
}

func TestSubmitRoute(t *testing.T) {
	h := newHarness(t)

	code, out := h.do(t, http.MethodPost, "/api/user-operations", `{"userOp":`+signedOp+`,"chainId":1946}`)
	require.Equal(t, http.StatusOK, code, out)
	assert.Equal(t, map[string]any{"userOpHash": testHash, "status": "submitted"}, out["data"])
	assert.Equal(t, []string{"eth_sendUserOperation"}, h.up.calls())
}

func TestSubmitWrongChainMakesNoCall(t *testing.T) {
	h := newHarness(t)

	code, out := h.do(t, http.MethodPost, "/api/user-operations", `{"userOp":`+signedOp+`,"chainId":1868}`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "INVALID_CHAIN", errorCode(out))
	assert.Empty(t, h.up.calls())
}

func TestSubmitBundlerRejection(t *testing.T) {
	h := newHarness(t)
	h.up.set("eth_sendUserOperation", "error:AA21 didn't pay prefund")

	code, out := h.do(t, http.MethodPost, "/api/user-operations", `{"userOp":`+signedOp+`,"chainId":1946}`)
	assert.Equal(t, http.StatusBadGateway, code)
	assert.Equal(t, "BUNDLER_ERROR", errorCode(out))
	assert.Contains(t, out["error"].(map[string]any)["message"], "AA21 didn't pay prefund")
}

func TestStatusMalformedHashMakesNoCall(t *testing.T) {
	h := newHarness(t)

	for _, hash := range []string{"0x123", "0x" + strings.Repeat("g", 64), strings.Repeat("a", 66)} {
		code, out := h.do(t, http.MethodGet, "/api/user-operations/"+hash, "")
		assert.Equal(t, http.StatusBadRequest, code)
		assert.Equal(t, "INVALID_HASH", errorCode(out))
		assert.Equal(t, "Invalid UserOperation hash format", out["error"].(map[string]any)["message"])
	}
	assert.Empty(t, h.up.calls())
}

func TestStatusPendingAttachesBundlerMetadata(t *testing.T) {
	h := newHarness(t)
	h.up.set("eth_getUserOperationByHash", `{"userOperation":{},"entryPoint":"`+entryPoint+`","transactionHash":"`+txHash+`","blockNumber":"0x63","blockHash":"`+blockHash+`"}`)

	code, out := h.do(t, http.MethodGet, "/api/user-operations/"+testHash, "")
	require.Equal(t, http.StatusOK, code, out)

	data := out["data"].(map[string]any)
	assert.Equal(t, "pending", data["status"])
	assert.NotContains(t, data, "receipt")
	assert.Equal(t, txHash, data["transactionHash"])
	assert.Equal(t, "0x63", data["blockNumber"])
	assert.Equal(t, []string{"eth_getUserOperationReceipt", "eth_getUserOperationByHash"}, h.up.calls())
}

func TestStatusPendingIgnoresLookupFailure(t *testing.T) {
	h := newHarness(t)
	h.up.set("eth_getUserOperationByHash", "error:method not supported")

	code, out := h.do(t, http.MethodGet, "/api/user-operations/"+testHash, "")
	require.Equal(t, http.StatusOK, code, out)
	assert.Equal(t, "pending", out["data"].(map[string]any)["status"])
}

func TestStatusConfirmedIsCached(t *testing.T) {
	h := newHarness(t)
	h.up.set("eth_getUserOperationReceipt", receiptRes)

	for i := 0; i < 2; i++ {
		code, out := h.do(t, http.MethodGet, "/api/user-operations/"+testHash, "")
		require.Equal(t, http.StatusOK, code, out)

		data := out["data"].(map[string]any)
		assert.Equal(t, "confirmed", data["status"])
		receipt := data["receipt"].(map[string]any)
		assert.Equal(t, "0x2386f26fc10000", receipt["actualGasCost"])
		assert.Equal(t, "0x64", receipt["receipt"].(map[string]any)["blockNumber"])
	}
	assert.Equal(t, []string{"eth_getUserOperationReceipt"}, h.up.calls())
}

func TestStatusFailedReceipt(t *testing.T) {
	h := newHarness(t)
	h.up.set("eth_getUserOperationReceipt", strings.Replace(receiptRes, `"success":true`, `"success":false`, 1))

	_, out := h.do(t, http.MethodGet, "/api/user-operations/"+testHash, "")
	assert.Equal(t, "failed", out["data"].(map[string]any)["status"])
}

func TestRpcEndpointSharesTheService(t *testing.T) {
	h := newHarness(t)

	_, out := h.do(t, http.MethodPost, "/rpc", `{"jsonrpc":"2.0","id":1,"method":"eth_getUserOperationReceipt","params":["0x123"]}`)
	rpcErr := out["error"].(map[string]any)
	assert.Equal(t, "INVALID_HASH", rpcErr["data"].(map[string]any)["code"])

	_, out = h.do(t, http.MethodPost, "/rpc", `{"jsonrpc":"2.0","id":2,"method":"eth_sendUserOperation","params":[`+signedOp+`,"`+entryPoint+`"]}`)
	assert.Equal(t, testHash, out["result"])
	assert.Equal(t, []string{"eth_sendUserOperation"}, h.up.calls())
}

func TestUnknownRouteUsesEnvelope(t *testing.T) {
	h := newHarness(t)

	code, out := h.do(t, http.MethodGet, "/api/nothing", "")
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, false, out["success"])
	assert.Equal(t, "NOT_FOUND", errorCode(out))
}

func TestMetricsEndpoint(t *testing.T) {
	h := newHarness(t)
	h.do(t, http.MethodPost, "/api/user-operations/sponsor", `{"userOp":`+partialOp+`,"chainId":1946}`)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	h.echo.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `userop_sponsorships_total{outcome="sponsored"} 1`)
	assert.Contains(t, rec.Body.String(), `userop_upstream_calls_total{method="pm_getPaymasterData",status="ok",upstream="paymaster"} 1`)
}
