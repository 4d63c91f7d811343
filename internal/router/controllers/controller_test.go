package controllers

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBuildSubmitRequest(t *testing.T) {
	t.Parallel()

	from := "0x2A891118Cf3a8FdeBb00109ea3ed4E33B82D960f"
	to := "0xB2a2d6DbD9F61B9e49F51d53DbAbe68e69b1c368"

	t.Run("full request", func(t *testing.T) {
		t.Parallel()
		req, err := buildSubmitRequest(TransactionRequest{
			From:     from,
			To:       to,
			Value:    "1000000000000000000",
			Data:     "0xdeadbeef",
			Origin:   "dapp.example.com",
			GasLimit: 100_000,
			GasFees:  &GasFeesRequest{GasPrice: "30000000000"},
		})
		require.NoError(t, err)
		require.Equal(t, from, req.From.Hex())
		require.Equal(t, to, req.To.Hex())
		require.Equal(t, "1000000000000000000", req.Value.String())
		require.Equal(t, []byte{0xde, 0xad, 0xbe, 0xef}, req.Data)
		require.Equal(t, uint64(100_000), req.GasLimit)
		require.NotNil(t, req.GasFees.Legacy)
		require.Equal(t, big.NewInt(30_000_000_000), req.GasFees.Legacy.GasPrice)
	})

	t.Run("contract creation leaves to empty", func(t *testing.T) {
		t.Parallel()
		req, err := buildSubmitRequest(TransactionRequest{From: from, Data: "0x60606040"})
		require.NoError(t, err)
		require.True(t, req.To == [20]byte{})
	})

	t.Run("bad from", func(t *testing.T) {
		t.Parallel()
		_, err := buildSubmitRequest(TransactionRequest{From: "nope", To: to})
		require.Error(t, err)
	})

	t.Run("negative value", func(t *testing.T) {
		t.Parallel()
		_, err := buildSubmitRequest(TransactionRequest{From: from, To: to, Value: "-1"})
		require.Error(t, err)
	})
}

func TestParseGasFees(t *testing.T) {
	t.Parallel()

	t.Run("legacy", func(t *testing.T) {
		t.Parallel()
		fees, err := parseGasFees(&GasFeesRequest{GasPrice: "42"})
		require.NoError(t, err)
		require.NotNil(t, fees.Legacy)
		require.Nil(t, fees.Dynamic)
	})

	t.Run("dynamic", func(t *testing.T) {
		t.Parallel()
		fees, err := parseGasFees(&GasFeesRequest{MaxFeePerGas: "100", MaxPriorityFeePerGas: "2"})
		require.NoError(t, err)
		require.NotNil(t, fees.Dynamic)
		require.Equal(t, big.NewInt(100), fees.Dynamic.MaxFeePerGas)
	})

	t.Run("mixed schemes rejected", func(t *testing.T) {
		t.Parallel()
		_, err := parseGasFees(&GasFeesRequest{GasPrice: "42", MaxFeePerGas: "100"})
		require.Error(t, err)
	})

	t.Run("dynamic needs both fields", func(t *testing.T) {
		t.Parallel()
		_, err := parseGasFees(&GasFeesRequest{MaxFeePerGas: "100"})
		require.Error(t, err)
	})
}
