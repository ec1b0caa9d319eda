package rpc

import (
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"

	"dutchauction/crypto"
	"dutchauction/native/auction"
)

type auctionInfoResult struct {
	Seller              string            `json:"seller"`
	ReservePrice        string            `json:"reservePrice"`
	NumBlocksOpen       uint64            `json:"numBlocksOpen"`
	OfferPriceDecrement string            `json:"offerPriceDecrement"`
	InitialBlock        uint64            `json:"initialBlock"`
	InitialPrice        string            `json:"initialPrice"`
	CollectibleSymbol   string            `json:"collectibleSymbol"`
	CollectibleID       uint64            `json:"collectibleId"`
	PaymentToken        string            `json:"paymentToken,omitempty"`
	Status              string            `json:"status"`
	Winner              string            `json:"winner,omitempty"`
	Pending             *pendingBidResult `json:"pendingBid,omitempty"`
}

type pendingBidResult struct {
	Bidder string `json:"bidder"`
	Amount string `json:"amount"`
	Block  uint64 `json:"block"`
}

type priceResult struct {
	Height uint64 `json:"height"`
	Price  string `json:"price"`
}

type bidParams struct {
	Caller string `json:"caller"`
	Amount string `json:"amount"`
}

type bidResult struct {
	Winning  bool              `json:"winning"`
	Bidder   string            `json:"bidder"`
	Amount   string            `json:"amount"`
	Price    string            `json:"price"`
	Refunded *pendingBidResult `json:"refunded,omitempty"`
}

type upgradeParams struct {
	Caller  string `json:"caller"`
	Version string `json:"version"`
}

type versionResult struct {
	Current         string `json:"current"`
	InitialVersion  string `json:"initialVersion"`
	UpgradedVersion string `json:"upgradedVersion,omitempty"`
}

type eventsParams struct {
	Limit int `json:"limit"`
}

func encodeAddress(raw [20]byte) string {
	return crypto.NewAddress(crypto.AuctionPrefix, raw[:]).String()
}

func decodeCaller(bech string) ([20]byte, error) {
	addr, err := crypto.DecodeAddress(bech)
	if err != nil {
		return [20]byte{}, err
	}
	if addr.Prefix() != crypto.AuctionPrefix {
		return [20]byte{}, fmt.Errorf("address prefix %q not accepted, want %q", addr.Prefix(), crypto.AuctionPrefix)
	}
	return addr.Raw(), nil
}

func pendingResult(pending *auction.PendingBid) *pendingBidResult {
	if pending == nil {
		return nil
	}
	return &pendingBidResult{
		Bidder: encodeAddress(pending.Bidder),
		Amount: pending.Amount.String(),
		Block:  pending.Block,
	}
}

func decodeParams(req *RPCRequest, out interface{}) error {
	if len(req.Params) != 1 {
		return fmt.Errorf("expected exactly one parameter object")
	}
	return json.Unmarshal(req.Params[0], out)
}

// Handlers return the outcome label recorded on the request metric.

func (s *Server) handleGetInfo(w http.ResponseWriter, req *RPCRequest) string {
	record, err := s.engine.Info()
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, errorCode(err), err.Error())
		return outcomeError
	}
	result := auctionInfoResult{
		Seller:              encodeAddress(record.Seller),
		ReservePrice:        record.ReservePrice.String(),
		NumBlocksOpen:       record.NumBlocksOpen,
		OfferPriceDecrement: record.OfferPriceDecrement.String(),
		InitialBlock:        record.InitialBlock,
		InitialPrice:        record.Schedule().InitialPrice().String(),
		CollectibleSymbol:   record.CollectibleSymbol,
		CollectibleID:       record.CollectibleID,
		PaymentToken:        record.PaymentToken,
		Status:              record.Status.String(),
		Pending:             pendingResult(record.Pending),
	}
	if record.Status == auction.StatusSettled {
		result.Winner = encodeAddress(record.Winner)
	}
	writeResult(w, req.ID, result)
	return outcomeOK
}

func (s *Server) handleGetPrice(w http.ResponseWriter, req *RPCRequest) string {
	height := s.height()
	if len(req.Params) == 1 {
		var at struct {
			Height uint64 `json:"height"`
		}
		if err := json.Unmarshal(req.Params[0], &at); err != nil {
			writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid params: "+err.Error())
			return outcomeError
		}
		height = at.Height
	}
	price, err := s.engine.PriceAt(height)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, errorCode(err), err.Error())
		return outcomeError
	}
	writeResult(w, req.ID, priceResult{Height: height, Price: price.String()})
	return outcomeOK
}

func (s *Server) handleIsOpen(w http.ResponseWriter, req *RPCRequest) string {
	open, err := s.engine.IsOpen()
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, errorCode(err), err.Error())
		return outcomeError
	}
	writeResult(w, req.ID, map[string]interface{}{"open": open, "height": s.height()})
	return outcomeOK
}

func (s *Server) handleGetPendingBid(w http.ResponseWriter, req *RPCRequest) string {
	pending, err := s.engine.PendingBid()
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, errorCode(err), err.Error())
		return outcomeError
	}
	writeResult(w, req.ID, pendingResult(pending))
	return outcomeOK
}

func (s *Server) handleGetWinner(w http.ResponseWriter, req *RPCRequest) string {
	winner, settled, err := s.engine.Winner()
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, errorCode(err), err.Error())
		return outcomeError
	}
	result := map[string]interface{}{"settled": settled}
	if settled {
		result["winner"] = encodeAddress(winner)
	}
	writeResult(w, req.ID, result)
	return outcomeOK
}

func (s *Server) handleVersion(w http.ResponseWriter, req *RPCRequest) string {
	current, err := s.shim.VersionTag()
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, errorCode(err), err.Error())
		return outcomeError
	}
	initial, err := s.shim.InitialVersion()
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, errorCode(err), err.Error())
		return outcomeError
	}
	upgraded, _, err := s.shim.UpgradedVersion()
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, errorCode(err), err.Error())
		return outcomeError
	}
	writeResult(w, req.ID, versionResult{Current: current, InitialVersion: initial, UpgradedVersion: upgraded})
	return outcomeOK
}

func (s *Server) handleBid(w http.ResponseWriter, req *RPCRequest) string {
	var params bidParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid params: "+err.Error())
		return outcomeError
	}
	caller, err := decodeCaller(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid caller address: "+err.Error())
		return outcomeError
	}
	amount, ok := new(big.Int).SetString(params.Amount, 10)
	if !ok || amount.Sign() < 0 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "amount must be a non-negative base-10 integer")
		return outcomeError
	}
	receipt, err := s.engine.Bid(caller, amount)
	if err != nil {
		s.metrics.ObserveBid("rejected")
		writeError(w, http.StatusBadRequest, req.ID, errorCode(err), err.Error())
		return outcomeError
	}
	if receipt.Winning {
		s.metrics.ObserveBid("won")
	} else {
		s.metrics.ObserveBid("pending")
	}
	writeResult(w, req.ID, bidResult{
		Winning:  receipt.Winning,
		Bidder:   encodeAddress(receipt.Bidder),
		Amount:   receipt.Amount.String(),
		Price:    receipt.Price.String(),
		Refunded: pendingResult(receipt.Refunded),
	})
	return outcomeOK
}

func implementationByTag(tag string) (auction.Implementation, error) {
	switch tag {
	case (auction.ImplementationV1{}).Tag():
		return auction.ImplementationV1{}, nil
	case (auction.ImplementationV2{}).Tag():
		return auction.ImplementationV2{}, nil
	default:
		return nil, fmt.Errorf("unknown implementation version %q", tag)
	}
}

func (s *Server) handleUpgrade(w http.ResponseWriter, req *RPCRequest) string {
	var params upgradeParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid params: "+err.Error())
		return outcomeError
	}
	caller, err := decodeCaller(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid caller address: "+err.Error())
		return outcomeError
	}
	target, err := implementationByTag(params.Version)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error())
		return outcomeError
	}
	if err := s.shim.Upgrade(caller, target); err != nil {
		status := http.StatusBadRequest
		if errorCode(err) == codeUnauthorized {
			status = http.StatusForbidden
		}
		writeError(w, status, req.ID, errorCode(err), err.Error())
		return outcomeError
	}
	writeResult(w, req.ID, map[string]string{"version": target.Tag()})
	return outcomeOK
}

func (s *Server) handleEvents(w http.ResponseWriter, req *RPCRequest) string {
	if s.journal == nil {
		writeError(w, http.StatusBadRequest, req.ID, codeServerError, "event journal not enabled")
		return outcomeError
	}
	limit := 50
	if len(req.Params) == 1 {
		var params eventsParams
		if err := json.Unmarshal(req.Params[0], &params); err != nil {
			writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid params: "+err.Error())
			return outcomeError
		}
		if params.Limit > 0 {
			limit = params.Limit
		}
	}
	entries, err := s.journal.Tail(limit)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeServerError, err.Error())
		return outcomeError
	}
	writeResult(w, req.ID, entries)
	return outcomeOK
}
