// Package alpaca serves devices over the ASCOM Alpaca HTTP API.
//
// Documentation: https://ascom-standards.org/api/
package alpaca

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
)

// Alpaca error numbers.
const (
	codeNotImplemented   = 0x400
	codeInvalidValue     = 0x401
	codeValueNotSet      = 0x402
	codeNotConnected     = 0x407
	codeInvalidOperation = 0x40B
	codeDriverError      = 0x500
)

var (
	ErrNotImplemented   = errors.New("property or method not implemented")
	ErrInvalidValue     = errors.New("invalid value")
	ErrValueNotSet      = errors.New("value not set")
	ErrNotConnected     = errors.New("device is not connected")
	ErrInvalidOperation = errors.New("invalid operation")
)

// errorCode maps an error to its Alpaca error number.
func errorCode(err error) int {
	switch {
	case errors.Is(err, ErrNotImplemented):
		return codeNotImplemented
	case errors.Is(err, ErrInvalidValue):
		return codeInvalidValue
	case errors.Is(err, ErrValueNotSet):
		return codeValueNotSet
	case errors.Is(err, ErrNotConnected):
		return codeNotConnected
	case errors.Is(err, ErrInvalidOperation):
		return codeInvalidOperation
	default:
		return codeDriverError
	}
}

// Global transaction counter
var txCounter atomic.Int32

type baseResponse struct {
	ClientTransactionID int    `json:"ClientTransactionID"`
	ServerTransactionID int    `json:"ServerTransactionID"`
	ErrorNumber         int    `json:"ErrorNumber"`
	ErrorMessage        string `json:"ErrorMessage"`
	Value               any    `json:"Value,omitempty"`
}

// Helper to read and parse the request body as URL-encoded data.
func parseBodyParams(r *http.Request) (url.Values, error) {
	bodyBytes, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	// Reset the body so it can be read again later.
	r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
	return url.ParseQuery(string(bodyBytes))
}

// requestParams returns the body parameters of a PUT and the query of
// anything else.
func requestParams(r *http.Request) url.Values {
	if r.Method == http.MethodPut {
		params, _ := parseBodyParams(r)
		return params
	}
	return r.URL.Query()
}

// getClientTxID obtains the client transaction ID. Parameter names are case
// insensitive; a missing ID is 0.
func getClientTxID(params url.Values, path string) (int, error) {
	if strings.HasPrefix(path, "/management") {
		return 0, nil
	}

	for param, value := range params {
		if strings.ToLower(param) == "clienttransactionid" {
			id, err := strconv.Atoi(value[0])
			if err != nil || id < 0 {
				return 0, errors.New("ClientTransactionID must be a non-negative integer")
			}
			return id, nil
		}
	}
	return 0, nil
}

func writeResponse(w http.ResponseWriter, r *http.Request, response baseResponse) {
	txID, err := getClientTxID(requestParams(r), r.URL.Path)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	response.ServerTransactionID = int(txCounter.Add(1))
	response.ClientTransactionID = txID
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

func handleResponse(w http.ResponseWriter, r *http.Request, value any) {
	writeResponse(w, r, baseResponse{Value: value})
}

func handleError(w http.ResponseWriter, r *http.Request, err error) {
	writeResponse(w, r, baseResponse{
		ErrorNumber:  errorCode(err),
		ErrorMessage: err.Error(),
	})
}

// handle adapts a value-returning handler to the Alpaca response envelope.
func handle(fn func(r *http.Request) (any, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		value, err := fn(r)
		if err != nil {
			handleError(w, r, err)
			return
		}
		handleResponse(w, r, value)
	}
}

// parseRequest reads a form field from the request body. Field names are
// case insensitive.
func parseRequest(r *http.Request, field string) (string, error) {
	params, err := parseBodyParams(r)
	if err != nil {
		return "", err
	}

	for param, value := range params {
		if strings.EqualFold(param, field) {
			return value[0], nil
		}
	}
	return "", fmt.Errorf("%w: missing field %s", ErrInvalidValue, field)
}

func parseBoolRequest(r *http.Request, field string) (bool, error) {
	value, err := parseRequest(r, field)
	if err != nil {
		return false, err
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("%w: %s=%q", ErrInvalidValue, field, value)
	}
	return b, nil
}

func parseFloatRequest(r *http.Request, field string) (float64, error) {
	value, err := parseRequest(r, field)
	if err != nil {
		return 0, err
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s=%q", ErrInvalidValue, field, value)
	}
	return f, nil
}

func parseIntRequest(r *http.Request, field string) (int, error) {
	value, err := parseRequest(r, field)
	if err != nil {
		return 0, err
	}
	i, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%w: %s=%q", ErrInvalidValue, field, value)
	}
	return i, nil
}
