package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"

	"github.com/chainhooks/relayer/internal/chainrpc"
	"github.com/chainhooks/relayer/internal/relayer"
	"github.com/chainhooks/relayer/internal/txtemplate"
	"github.com/chainhooks/relayer/internal/util"
)

// GetNonce handles GET /v1/nonce/{address}.
func (h *handlers) GetNonce(w http.ResponseWriter, r *http.Request) {
	addr, ok := parseAddress(w, chi.URLParam(r, "address"))
	if !ok {
		return
	}
	nonce, err := h.nonces.issue(addr)
	if err != nil {
		util.WriteError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	util.WriteJSON(w, http.StatusOK, map[string]any{"nonce": nonce})
}

type registerRequest struct {
	Address   string `json:"address"`
	Signature string `json:"signature"`
}

// PostRegister handles POST /v1/register.
func (h *handlers) PostRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	addr, ok := parseAddress(w, req.Address)
	if !ok {
		return
	}
	if err := h.nonces.consume(addr, req.Signature); err != nil {
		writeErr(w, err)
		return
	}

	res := h.relayer.Command(r.Context(), relayer.RegisterCommand{User: addr})
	if res.Err != nil {
		writeErr(w, res.Err)
		return
	}
	util.WriteJSON(w, http.StatusOK, map[string]any{"relayer_address": res.Address.Hex()})
}

// GetRelayer handles GET /v1/relayer/{address}?signature=...
func (h *handlers) GetRelayer(w http.ResponseWriter, r *http.Request) {
	addr, ok := parseAddress(w, chi.URLParam(r, "address"))
	if !ok {
		return
	}
	sig := r.URL.Query().Get("signature")
	if err := h.nonces.consume(addr, sig); err != nil {
		writeErr(w, err)
		return
	}

	res := h.relayer.Command(r.Context(), relayer.GetRelayerInfoCommand{User: addr})
	if res.Err != nil {
		writeErr(w, res.Err)
		return
	}
	util.WriteJSON(w, http.StatusOK, map[string]any{"relayer_address": res.Address.Hex()})
}

type subscribeAction struct {
	Target   string   `json:"target"`
	ABI      string   `json:"abi"`
	Function string   `json:"function"`
	Params   []string `json:"params"`
}

type subscribeRequest struct {
	Address   string          `json:"address"`
	Signature string          `json:"signature"`
	ChainID   int64           `json:"chain_id"`
	Addresses []string        `json:"addresses"`
	Events    []string        `json:"events"`
	Action    subscribeAction `json:"action"`
}

// PostSubscribe handles POST /v1/subscribe. It performs the full two-step
// composite operation: install the filter on the chain worker via the
// registry, then bind the action template on the relayer handler. On the
// second step's failure it sends a compensating Revoke to the chain
// worker before returning the error.
func (h *handlers) PostSubscribe(w http.ResponseWriter, r *http.Request) {
	var req subscribeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	addr, ok := parseAddress(w, req.Address)
	if !ok {
		return
	}
	if err := h.nonces.consume(addr, req.Signature); err != nil {
		writeErr(w, err)
		return
	}

	watchAddrs := make([]common.Address, 0, len(req.Addresses))
	for _, a := range req.Addresses {
		watchAddrs = append(watchAddrs, common.HexToAddress(a))
	}

	subID, err := h.registry.EnsureActive(r.Context(), req.ChainID, chainrpc.SubscribeCommand{
		User:      addr,
		Addresses: watchAddrs,
		Events:    req.Events,
	})
	if err != nil {
		writeErr(w, err)
		return
	}

	defineRes := h.relayer.Command(r.Context(), relayer.DefineRelayerActionCommand{
		User:           addr,
		SubscriptionID: subID,
		ChainID:        req.ChainID,
		Target:         common.HexToAddress(req.Action.Target),
		ABI:            req.Action.ABI,
		Function:       req.Action.Function,
		Params:         req.Action.Params,
	})
	if defineRes.Err != nil {
		compensate := make(chan chainrpc.Result, 1)
		if sendErr := h.registry.Send(req.ChainID, chainrpc.RevokeCommand{User: addr, SubscriptionID: subID}, compensate); sendErr == nil {
			<-compensate
		}
		writeErr(w, defineRes.Err)
		return
	}

	util.WriteJSON(w, http.StatusOK, map[string]any{"subscription_id": subID})
}

type unsubscribeRequest struct {
	Address        string `json:"address"`
	Signature      string `json:"signature"`
	SubscriptionID string `json:"subscription_id"`
}

// PostUnsubscribe handles POST /v1/unsubscribe.
func (h *handlers) PostUnsubscribe(w http.ResponseWriter, r *http.Request) {
	var req unsubscribeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	addr, ok := parseAddress(w, req.Address)
	if !ok {
		return
	}
	if err := h.nonces.consume(addr, req.Signature); err != nil {
		writeErr(w, err)
		return
	}

	res := h.relayer.Command(r.Context(), relayer.RevokeSubscriptionCommand{User: addr, SubscriptionID: req.SubscriptionID})
	if res.Err != nil {
		writeErr(w, res.Err)
		return
	}
	util.WriteJSON(w, http.StatusOK, map[string]any{"status": "removed"})
}

// GetLogs handles GET /v1/logs/{address}?signature=...&since=...
func (h *handlers) GetLogs(w http.ResponseWriter, r *http.Request) {
	addr, ok := parseAddress(w, chi.URLParam(r, "address"))
	if !ok {
		return
	}
	sig := r.URL.Query().Get("signature")
	if err := h.nonces.consume(addr, sig); err != nil {
		writeErr(w, err)
		return
	}

	cmd := relayer.GetLogsCommand{User: addr}
	if since, ok := util.ParseSince(r); ok {
		cmd.Since = &since
	}

	res := h.relayer.Command(r.Context(), cmd)
	if res.Err != nil {
		writeErr(w, res.Err)
		return
	}

	entries := make([]map[string]any, 0, len(res.Updates))
	for _, u := range res.Updates {
		entries = append(entries, map[string]any{
			"timestamp": u.Timestamp,
			"tx_hash":   u.TxHash.Hex(),
			"receipt":   json.RawMessage(u.Receipt),
		})
	}
	util.WriteJSON(w, http.StatusOK, map[string]any{"updates": entries})
}

func parseAddress(w http.ResponseWriter, raw string) (common.Address, bool) {
	if !common.IsHexAddress(raw) {
		writeErr(w, relayer.ErrInvalidAddress)
		return common.Address{}, false
	}
	return common.HexToAddress(raw), true
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		util.WriteError(w, http.StatusBadRequest, "malformed_body", err.Error())
		return false
	}
	return true
}

func writeErr(w http.ResponseWriter, err error) {
	status, code := errorStatus(err)
	util.WriteError(w, status, code, err.Error())
}

// errorStatus maps the shared relayer/chainrpc/txtemplate error taxonomy
// to an HTTP status code and a stable machine-readable code string.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, relayer.ErrNotAuthenticated):
		return http.StatusUnauthorized, "not_authenticated"
	case errors.Is(err, relayer.ErrAlreadyRegistered):
		return http.StatusConflict, "already_registered"
	case errors.Is(err, relayer.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, relayer.ErrNoSubscriptionFound):
		return http.StatusNotFound, "no_subscription_found"
	case errors.Is(err, relayer.ErrInvalidAddress):
		return http.StatusBadRequest, "invalid_address"
	case errors.Is(err, chainrpc.ErrChainNotSupported):
		return http.StatusBadRequest, "chain_not_supported"
	case errors.Is(err, chainrpc.ErrChainHasNoRpcURL):
		return http.StatusBadRequest, "chain_has_no_rpc_url"
	case errors.Is(err, chainrpc.ErrSubscriptionError):
		return http.StatusBadGateway, "subscription_error"
	case errors.Is(err, chainrpc.ErrNoSubscriptionFound):
		return http.StatusNotFound, "no_subscription_found"
	case errors.Is(err, txtemplate.ErrInvalidABI),
		errors.Is(err, txtemplate.ErrFunctionNotFound),
		errors.Is(err, txtemplate.ErrInvalidArgsCount),
		errors.Is(err, txtemplate.ErrInvalidDataType),
		errors.Is(err, txtemplate.ErrInvalidTopicMapping),
		errors.Is(err, txtemplate.ErrTopicOutOfIndex):
		return http.StatusBadRequest, "invalid_action_template"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}
