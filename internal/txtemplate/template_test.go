package txtemplate_test

import (
	"errors"
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/chainhooks/relayer/internal/txtemplate"
)

const forwardABI = `[
  {
    "name": "forward",
    "type": "function",
    "inputs": [
      {"name": "who", "type": "address"},
      {"name": "amount", "type": "uint256"}
    ],
    "outputs": []
  }
]`

func transferTopics() []common.Hash {
	sig := []byte("Transfer(address,address,uint256)")
	selector := crypto.Keccak256Hash(sig)
	from := common.HexToHash("0x000000000000000000000000000000000000000000000000000000000000aa")
	to := common.HexToHash("0x000000000000000000000000000000000000000000000000000000000000bb")
	return []common.Hash{selector, from, to}
}

func TestBuild_ResolvesTopicsAndCoerces(t *testing.T) {
	tpl, err := txtemplate.New(1, common.HexToAddress("0xBe00000000000000000000000000000000000ef"), forwardABI, "forward",
		[]string{"topic1", "100"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	vLog := types.Log{Topics: transferTopics()}
	req, err := tpl.Build(vLog)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	parsed, _ := abi.JSON(strings.NewReader(forwardABI))
	args, err := parsed.Methods["forward"].Inputs.Unpack(req.Data[4:])
	if err != nil {
		t.Fatalf("Unpack: %v", err)
	}
	gotAddr := args[0].(common.Address)
	wantAddr := common.HexToAddress("0x00000000000000000000000000000000000aa")
	if gotAddr != wantAddr {
		t.Fatalf("arg0 = %s, want %s", gotAddr.Hex(), wantAddr.Hex())
	}
	gotAmount := args[1].(*big.Int)
	if gotAmount.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("arg1 = %s, want 100", gotAmount.String())
	}
}

// TestBuild_TopicOutOfIndex matches spec scenario 2: params referencing a
// topic the log does not carry must fail with TopicOutOfIndex, and
// correcting the params makes the same log build successfully.
func TestBuild_TopicOutOfIndex(t *testing.T) {
	tpl, err := txtemplate.New(1, common.HexToAddress("0xBe00000000000000000000000000000000000ef"), forwardABI, "forward",
		[]string{"topic1", "topic3"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	vLog := types.Log{Topics: transferTopics()}
	if _, err := tpl.Build(vLog); !errors.Is(err, txtemplate.ErrTopicOutOfIndex) {
		t.Fatalf("expected ErrTopicOutOfIndex, got %v", err)
	}

	corrected, err := txtemplate.New(1, common.HexToAddress("0xBe00000000000000000000000000000000000ef"), forwardABI, "forward",
		[]string{"topic1", "100"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := corrected.Build(vLog); err != nil {
		t.Fatalf("Build after correction: %v", err)
	}
}

func TestBuild_InvalidArgsCount(t *testing.T) {
	tpl, err := txtemplate.New(1, common.HexToAddress("0xBe00000000000000000000000000000000000ef"), forwardABI, "forward",
		[]string{"topic1", "topic2", "100"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	vLog := types.Log{Topics: transferTopics()}
	if _, err := tpl.Build(vLog); !errors.Is(err, txtemplate.ErrInvalidArgsCount) {
		t.Fatalf("expected ErrInvalidArgsCount, got %v", err)
	}
}

func TestNew_FunctionNotFound(t *testing.T) {
	_, err := txtemplate.New(1, common.Address{}, forwardABI, "missing", nil)
	if !errors.Is(err, txtemplate.ErrFunctionNotFound) {
		t.Fatalf("expected ErrFunctionNotFound, got %v", err)
	}
}

func TestNew_InvalidABI(t *testing.T) {
	_, err := txtemplate.New(1, common.Address{}, "not json", "forward", nil)
	if !errors.Is(err, txtemplate.ErrInvalidABI) {
		t.Fatalf("expected ErrInvalidABI, got %v", err)
	}
}

func TestBuild_InvalidTopicMapping(t *testing.T) {
	tpl, err := txtemplate.New(1, common.HexToAddress("0xBe00000000000000000000000000000000000ef"), forwardABI, "forward",
		[]string{"topicX", "100"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	vLog := types.Log{Topics: transferTopics()}
	if _, err := tpl.Build(vLog); !errors.Is(err, txtemplate.ErrInvalidTopicMapping) {
		t.Fatalf("expected ErrInvalidTopicMapping, got %v", err)
	}
}
