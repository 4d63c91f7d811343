package controllers

import (
	"encoding/json"
	goerrors "errors"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"
	"github.com/textileio/go-walletd/internal/walletd"
	"github.com/textileio/go-walletd/pkg/errors"
	"github.com/textileio/go-walletd/pkg/gas"
	"github.com/textileio/go-walletd/pkg/txstore"
)

// Controller defines the HTTP handlers for interacting with the wallet engine.
type Controller struct {
	svc   walletd.Walletd
	store txstore.Store
}

// NewController creates a new Controller.
func NewController(svc walletd.Walletd, store txstore.Store) *Controller {
	return &Controller{
		svc:   svc,
		store: store,
	}
}

// TransactionRequest is the request body for submitting a transaction.
// Monetary amounts are decimal strings in wei.
type TransactionRequest struct {
	From     string          `json:"from"`
	To       string          `json:"to"`
	Value    string          `json:"value,omitempty"`
	Data     string          `json:"data,omitempty"`
	Origin   string          `json:"origin,omitempty"`
	GasLimit uint64          `json:"gas_limit,omitempty"`
	GasFees  *GasFeesRequest `json:"gas_fees,omitempty"`
}

// GasFeesRequest carries fee overrides, either legacy or dynamic but never both.
type GasFeesRequest struct {
	GasPrice             string `json:"gas_price,omitempty"`
	MaxFeePerGas         string `json:"max_fee_per_gas,omitempty"`
	MaxPriorityFeePerGas string `json:"max_priority_fee_per_gas,omitempty"`
}

// BumpFeeRequest is the request body for bumping a submitted transaction's fees.
type BumpFeeRequest struct {
	GasFees *GasFeesRequest `json:"gas_fees,omitempty"`
}

// SubmitTransaction handles the POST /api/v1/transactions call.
func (c *Controller) SubmitTransaction(rw http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	rw.Header().Set("Content-Type", "application/json")

	var body TransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		rw.WriteHeader(http.StatusBadRequest)
		log.Ctx(ctx).Error().Err(err).Msg("invalid transaction request body")
		_ = json.NewEncoder(rw).Encode(errors.ServiceError{Message: "Invalid request body"})
		return
	}

	req, err := buildSubmitRequest(body)
	if err != nil {
		rw.WriteHeader(http.StatusBadRequest)
		log.Ctx(ctx).Error().Err(err).Msg("invalid transaction request")
		_ = json.NewEncoder(rw).Encode(errors.ServiceError{Message: err.Error()})
		return
	}

	record, err := c.svc.SubmitTransaction(ctx, req)
	if err != nil {
		c.writeServiceError(rw, r, "submit transaction", err)
		return
	}

	rw.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(rw).Encode(record)
}

// GetTransaction handles the GET /api/v1/transactions/{id} call.
func (c *Controller) GetTransaction(rw http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	rw.Header().Set("Content-Type", "application/json")

	record, err := c.svc.GetTransaction(ctx, mux.Vars(r)["id"])
	if err != nil {
		c.writeServiceError(rw, r, "get transaction", err)
		return
	}

	rw.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(rw).Encode(record)
}

// ListTransactions handles the GET /api/v1/transactions call. Optional query
// params: status (comma separated), from, nonce.
func (c *Controller) ListTransactions(rw http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	rw.Header().Set("Content-Type", "application/json")

	var f txstore.Filter
	if statuses := r.URL.Query().Get("status"); statuses != "" {
		for _, s := range strings.Split(statuses, ",") {
			f.Statuses = append(f.Statuses, txstore.Status(s))
		}
	}
	if from := r.URL.Query().Get("from"); from != "" {
		if !common.IsHexAddress(from) {
			rw.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(rw).Encode(errors.ServiceError{Message: "Invalid from address"})
			return
		}
		addr := common.HexToAddress(from)
		f.From = &addr
	}
	if nonceParam := r.URL.Query().Get("nonce"); nonceParam != "" {
		nonce, err := strconv.ParseUint(nonceParam, 10, 64)
		if err != nil {
			rw.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(rw).Encode(errors.ServiceError{Message: "Invalid nonce"})
			return
		}
		f.Nonce = &nonce
	}

	records, err := c.svc.ListTransactions(ctx, f)
	if err != nil {
		c.writeServiceError(rw, r, "list transactions", err)
		return
	}

	rw.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(rw).Encode(records)
}

// ApproveTransaction handles the POST /api/v1/transactions/{id}/approve call.
func (c *Controller) ApproveTransaction(rw http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	rw.Header().Set("Content-Type", "application/json")

	record, err := c.svc.ApproveTransaction(ctx, mux.Vars(r)["id"])
	if err != nil {
		c.writeServiceError(rw, r, "approve transaction", err)
		return
	}

	rw.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(rw).Encode(record)
}

// RejectTransaction handles the POST /api/v1/transactions/{id}/reject call.
func (c *Controller) RejectTransaction(rw http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	rw.Header().Set("Content-Type", "application/json")

	record, err := c.svc.RejectTransaction(ctx, mux.Vars(r)["id"])
	if err != nil {
		c.writeServiceError(rw, r, "reject transaction", err)
		return
	}

	rw.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(rw).Encode(record)
}

// BumpFee handles the POST /api/v1/transactions/{id}/bump call.
func (c *Controller) BumpFee(rw http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	rw.Header().Set("Content-Type", "application/json")

	var body BumpFeeRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		rw.WriteHeader(http.StatusBadRequest)
		log.Ctx(ctx).Error().Err(err).Msg("invalid bump fee request body")
		_ = json.NewEncoder(rw).Encode(errors.ServiceError{Message: "Invalid request body"})
		return
	}

	req := walletd.BumpFeeRequest{ID: mux.Vars(r)["id"]}
	if body.GasFees != nil {
		fees, err := parseGasFees(body.GasFees)
		if err != nil {
			rw.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(rw).Encode(errors.ServiceError{Message: err.Error()})
			return
		}
		req.GasFees = fees
	}

	record, err := c.svc.BumpFee(ctx, req)
	if err != nil {
		c.writeServiceError(rw, r, "bump fee", err)
		return
	}

	rw.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(rw).Encode(record)
}

// EstimateGas handles the GET /api/v1/gas call.
func (c *Controller) EstimateGas(rw http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	rw.Header().Set("Content-Type", "application/json")

	estimate, err := c.svc.EstimateGas(ctx)
	if err != nil {
		c.writeServiceError(rw, r, "estimate gas", err)
		return
	}

	rw.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(rw).Encode(estimate)
}

// Events handles the GET /api/v1/events call streaming transaction status
// changes as server-sent events until the client disconnects.
func (c *Controller) Events(rw http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	flusher, ok := rw.(http.Flusher)
	if !ok {
		rw.Header().Set("Content-Type", "application/json")
		rw.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(rw).Encode(errors.ServiceError{Message: "Streaming not supported"})
		return
	}

	changes, cancel := c.store.Subscribe()
	defer cancel()

	rw.Header().Set("Content-Type", "text/event-stream")
	rw.Header().Set("Cache-Control", "no-cache")
	rw.Header().Set("Connection", "keep-alive")
	rw.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-ctx.Done():
			return
		case change, ok := <-changes:
			if !ok {
				return
			}
			payload, err := json.Marshal(change)
			if err != nil {
				log.Ctx(ctx).Error().Err(err).Msg("marshaling status change")
				continue
			}
			if _, err := fmt.Fprintf(rw, "event: status\ndata: %s\n\n", payload); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (c *Controller) writeServiceError(rw http.ResponseWriter, r *http.Request, action string, err error) {
	log.Ctx(r.Context()).Error().Err(err).Msg(action)

	switch {
	case goerrors.Is(err, txstore.ErrNotFound):
		rw.WriteHeader(http.StatusNotFound)
	case goerrors.Is(err, walletd.ErrValidation), goerrors.Is(err, txstore.ErrInvalidTransition):
		rw.WriteHeader(http.StatusBadRequest)
	case goerrors.Is(err, gas.ErrEstimation), goerrors.Is(err, walletd.ErrBroadcast):
		rw.WriteHeader(http.StatusBadGateway)
	default:
		rw.WriteHeader(http.StatusInternalServerError)
	}
	_ = json.NewEncoder(rw).Encode(errors.ServiceError{Message: err.Error()})
}

func buildSubmitRequest(body TransactionRequest) (walletd.SubmitTransactionRequest, error) {
	var req walletd.SubmitTransactionRequest
	if !common.IsHexAddress(body.From) {
		return req, fmt.Errorf("invalid from address")
	}
	if body.To != "" && !common.IsHexAddress(body.To) {
		return req, fmt.Errorf("invalid to address")
	}
	req.From = common.HexToAddress(body.From)
	req.To = common.HexToAddress(body.To)
	req.Origin = body.Origin
	req.GasLimit = body.GasLimit

	if body.Value != "" {
		value, ok := new(big.Int).SetString(body.Value, 10)
		if !ok || value.Sign() < 0 {
			return req, fmt.Errorf("invalid value")
		}
		req.Value = value
	}
	if body.Data != "" {
		data, err := common.ParseHexOrString(body.Data)
		if err != nil {
			return req, fmt.Errorf("invalid data payload")
		}
		req.Data = data
	}
	if body.GasFees != nil {
		fees, err := parseGasFees(body.GasFees)
		if err != nil {
			return req, err
		}
		req.GasFees = fees
	}
	return req, nil
}

func parseGasFees(body *GasFeesRequest) (txstore.GasFees, error) {
	hasLegacy := body.GasPrice != ""
	hasDynamic := body.MaxFeePerGas != "" || body.MaxPriorityFeePerGas != ""
	if hasLegacy && hasDynamic {
		return txstore.GasFees{}, fmt.Errorf("gas fees mix legacy and dynamic fields")
	}
	if hasLegacy {
		gasPrice, err := parseWei(body.GasPrice)
		if err != nil {
			return txstore.GasFees{}, fmt.Errorf("invalid gas_price")
		}
		return txstore.NewLegacyFees(gasPrice), nil
	}
	if body.MaxFeePerGas == "" || body.MaxPriorityFeePerGas == "" {
		return txstore.GasFees{}, fmt.Errorf("dynamic fees need both max_fee_per_gas and max_priority_fee_per_gas")
	}
	maxFee, err := parseWei(body.MaxFeePerGas)
	if err != nil {
		return txstore.GasFees{}, fmt.Errorf("invalid max_fee_per_gas")
	}
	maxPriorityFee, err := parseWei(body.MaxPriorityFeePerGas)
	if err != nil {
		return txstore.GasFees{}, fmt.Errorf("invalid max_priority_fee_per_gas")
	}
	return txstore.NewDynamicFees(maxFee, maxPriorityFee), nil
}

func parseWei(s string) (*big.Int, error) {
	wei, ok := new(big.Int).SetString(s, 10)
	if !ok || wei.Sign() < 0 {
		return nil, fmt.Errorf("invalid wei amount %q", s)
	}
	return wei, nil
}
