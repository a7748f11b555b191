package chain

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// Contract ABIs, trimmed to the methods roundkeeper calls.
var (
	marketManagerABI abi.ABI
	roundABI         abi.ABI
	batchCreatorABI  abi.ABI
	oracleABI        abi.ABI
)

func mustParse(name, def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(name + " abi parse: " + err.Error())
	}
	return parsed
}

func init() {
	marketManagerABI = mustParse("market manager", `[
		{
			"name": "getMarketInfo",
			"type": "function",
			"stateMutability": "view",
			"inputs": [{"name": "symbol", "type": "string"}],
			"outputs": [
				{"name": "feedId", "type": "bytes32"},
				{"name": "currentRound", "type": "address"},
				{"name": "roundCount", "type": "uint256"},
				{"name": "initialized", "type": "bool"},
				{"name": "paused", "type": "bool"}
			]
		},
		{
			"name": "getAllMarkets",
			"type": "function",
			"stateMutability": "view",
			"inputs": [],
			"outputs": [{"name": "", "type": "string[]"}]
		},
		{
			"name": "clearSettledRound",
			"type": "function",
			"stateMutability": "nonpayable",
			"inputs": [{"name": "symbol", "type": "string"}],
			"outputs": []
		}
	]`)

	roundABI = mustParse("prediction round", `[
		{
			"name": "getRoundInfo",
			"type": "function",
			"stateMutability": "view",
			"inputs": [],
			"outputs": [
				{"name": "coin", "type": "string"},
				{"name": "strikePrice", "type": "uint256"},
				{"name": "finalPrice", "type": "uint256"},
				{"name": "startTime", "type": "uint256"},
				{"name": "entryDeadline", "type": "uint256"},
				{"name": "endTime", "type": "uint256"},
				{"name": "totalPool", "type": "uint256"},
				{"name": "settled", "type": "bool"},
				{"name": "aboveWins", "type": "bool"},
				{"name": "isDraw", "type": "bool"}
			]
		},
		{
			"name": "settle",
			"type": "function",
			"stateMutability": "nonpayable",
			"inputs": [],
			"outputs": []
		}
	]`)

	batchCreatorABI = mustParse("batch creator", `[
		{
			"name": "createBatchRounds",
			"type": "function",
			"stateMutability": "nonpayable",
			"inputs": [{"name": "symbols", "type": "string[]"}],
			"outputs": []
		}
	]`)

	oracleABI = mustParse("oracle", `[
		{
			"name": "setPrices",
			"type": "function",
			"stateMutability": "nonpayable",
			"inputs": [
				{"name": "symbols", "type": "string[]"},
				{"name": "prices", "type": "uint256[]"}
			],
			"outputs": []
		},
		{
			"name": "read",
			"type": "function",
			"stateMutability": "view",
			"inputs": [{"name": "symbol", "type": "string"}],
			"outputs": [{"name": "", "type": "uint256"}]
		}
	]`)
}
