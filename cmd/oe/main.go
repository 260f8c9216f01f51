// oe imports Ethereum-style block files into a local chain database,
// running the full verification and commit pipeline. Execution is
// header-trusting: no transactions are run, so imports verify structure,
// family and seal but accept the sealed state roots.
package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/spf13/cobra"

	"github.com/openethereum/oe-go/client"
	"github.com/openethereum/oe-go/engine"
	"github.com/openethereum/oe-go/log"
	"github.com/openethereum/oe-go/storage"
	"github.com/openethereum/oe-go/types"
)

// chainSpec is the JSON chain description: genesis header fields plus the
// validator contract parameters.
type chainSpec struct {
	Name    string `json:"name"`
	ChainID uint64 `json:"chainId"`
	Genesis struct {
		Timestamp  uint64      `json:"timestamp"`
		GasLimit   uint64      `json:"gasLimit"`
		Difficulty uint64      `json:"difficulty"`
		ExtraData  string      `json:"extraData"`
		StateRoot  common.Hash `json:"stateRoot"`
	} `json:"genesis"`
	Engine struct {
		ValidatorContract          common.Address `json:"validatorContract"`
		ValidateReceiptsTransition uint64         `json:"validateReceiptsTransition"`
		FixValidatorSetTransition  uint64         `json:"fixValidatorSetTransition"`
		PosdaoTransition           *uint64        `json:"posdaoTransition"`
	} `json:"engine"`
}

func (s *chainSpec) genesisHeader() *ethtypes.Header {
	return &ethtypes.Header{
		Number:     new(big.Int),
		Time:       s.Genesis.Timestamp,
		GasLimit:   s.Genesis.GasLimit,
		Difficulty: new(big.Int).SetUint64(s.Genesis.Difficulty),
		Extra:      common.FromHex(s.Genesis.ExtraData),
		Root:       s.Genesis.StateRoot,
	}
}

func loadChainSpec(path string) (*chainSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var spec chainSpec
	if err := json.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("parsing chain spec: %w", err)
	}
	return &spec, nil
}

// trustingState satisfies the state handle with no state at all.
type trustingState struct {
	root common.Hash
}

func (s trustingState) Root() common.Hash                                      { return s.root }
func (s trustingState) Journal(types.StateBatch, uint64, common.Hash) error    { return nil }
func (s trustingState) SyncCache(enacted, retracted []common.Hash, canon bool) {}

// trustingMachine is a state-transition function that runs nothing: the
// computed header is taken from the sealed one. Contract calls cannot be
// served, so it only suits chains verified without a validator contract.
type trustingMachine struct{}

var errNoExecution = errors.New("no execution backend")

func (trustingMachine) Enact(block *types.PreverifiedBlock, parent *ethtypes.Header, lastHashes []common.Hash) (*types.LockedBlock, error) {
	return &types.LockedBlock{
		Header:         block.Header,
		ComputedHeader: ethtypes.CopyHeader(block.Header),
		Transactions:   block.Transactions,
		Uncles:         block.Uncles,
		Bytes:          block.Bytes,
		State:          trustingState{root: block.Header.Root},
	}, nil
}

func (trustingMachine) Call(common.Hash, common.Address, []byte) ([]byte, error) {
	return nil, errNoExecution
}

func (trustingMachine) ProvingCall(common.Hash, common.Address, []byte) ([]byte, [][]byte, error) {
	return nil, nil, errNoExecution
}

func (trustingMachine) ProvingCallOn(types.State, *ethtypes.Header, common.Address, []byte) ([]byte, [][]byte, error) {
	return nil, nil, errNoExecution
}

func (trustingMachine) SystemCallOn(types.State, *ethtypes.Header, common.Address, []byte) ([]byte, error) {
	return nil, errNoExecution
}

func (trustingMachine) ExecuteProvedCall(*ethtypes.Header, [][]byte, common.Address, []byte) ([]byte, error) {
	return nil, errNoExecution
}

func (trustingMachine) PruneAncient(types.StateBatch, uint64) error { return nil }

// trustingEngine accepts any seal and never signals epochs. Used when
// importing chains whose validity is vouched for by the source.
type trustingEngine struct{}

func (trustingEngine) Name() string                                  { return "trusting" }
func (trustingEngine) VerifyBasic(h *ethtypes.Header) error          { return nil }
func (trustingEngine) VerifyUnordered(h *ethtypes.Header) error      { return nil }
func (trustingEngine) VerifyFamily(h, parent *ethtypes.Header) error { return nil }
func (trustingEngine) VerifyExternal(h *ethtypes.Header, caller engine.Call) error {
	return nil
}

func (trustingEngine) ForkChoice(newHeader, best *types.ExtendedHeader) types.ForkChoice {
	if newHeader.TotalDifficulty().Cmp(best.TotalDifficulty()) > 0 {
		return types.ForkChoiceNew
	}
	return types.ForkChoiceOld
}

func (trustingEngine) SignalsEpochEnd(bool, *ethtypes.Header, engine.AuxiliaryData) engine.EpochChange {
	return engine.EpochChange{Signal: engine.SignalNo}
}

func (trustingEngine) IsEpochEnd(*ethtypes.Header, []common.Hash, func(common.Hash) (types.PendingTransition, bool)) []byte {
	return nil
}

func (trustingEngine) EpochSet(bool, engine.Machine, uint64, []byte) (*types.ValidatorList, common.Hash, error) {
	return types.NewValidatorList(nil), common.Hash{}, nil
}

func (trustingEngine) OnEpochBegin(bool, *ethtypes.Header, engine.SystemCall) error { return nil }

func (trustingEngine) OnCloseBlock(*ethtypes.Header, common.Address, engine.Call, engine.TransactionSender) error {
	return nil
}

func (trustingEngine) AncestryActions(*ethtypes.Header, engine.Ancestry, int) []common.Hash {
	return nil
}

func (trustingEngine) GenesisEpochData(*ethtypes.Header, engine.ProvingCall) ([]byte, error) {
	return []byte{}, nil
}

func (trustingEngine) GenerateEngineTransactions(bool, *ethtypes.Header, engine.SystemCall) ([]engine.EngineTransaction, error) {
	return nil, nil
}

// Seal checks resolve the validator set through getValidators on contract
// state. The header-trusting machine runs no execution, so it cannot serve
// that call and a sealed import here could never pass a single block.
var errSealedImport = errors.New("sealed import needs an execution backend; this tool verifies structure and family only")

func openClient(dbPath, specPath string, sealed bool, lg log.Logger) (*client.Client, *storage.Store, error) {
	if sealed {
		return nil, nil, errSealedImport
	}
	spec, err := loadChainSpec(specPath)
	if err != nil {
		return nil, nil, err
	}
	store, err := storage.NewStore(dbPath)
	if err != nil {
		return nil, nil, err
	}

	cfg := client.DefaultConfig()
	cfg.ChainID = new(big.Int).SetUint64(spec.ChainID)
	cfg.Genesis = spec.genesisHeader()
	cfg.ValidateReceiptsTransition = spec.Engine.ValidateReceiptsTransition
	cfg.TrustedImport = true

	c, err := client.NewClient(cfg, store, trustingEngine{}, trustingMachine{}, lg)
	if err != nil {
		store.Close()
		return nil, nil, err
	}
	return c, store, nil
}

// importBlocks streams consecutive RLP block encodings from r into the
// client.
func importBlocks(c *client.Client, r io.Reader, lg log.Logger) (int, error) {
	stream := rlp.NewStream(bufio.NewReader(r), 0)
	count := 0
	for {
		raw, err := stream.Raw()
		if err == io.EOF {
			break
		}
		if err != nil {
			return count, fmt.Errorf("reading block %d: %w", count, err)
		}
		if _, err := c.ImportBlock(raw); err != nil {
			lg.Warn(log.ClientModule, "block not queued", "index", count, "err", err)
		}
		count++
	}
	// wait for the queue to empty, committing as blocks become ready
	for {
		c.ImportVerifiedBlocks()
		if c.QueueInfo().IsEmpty() {
			break
		}
	}
	return count, nil
}

func main() {
	var (
		dbPath   string
		specPath string
		sealed   bool
		logLevel string
		debug    string
	)

	rootCmd := &cobra.Command{
		Use:   "oe",
		Short: "Block import pipeline with contract-backed validator sets",
	}
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "./oe-db", "Chain database directory")
	rootCmd.PersistentFlags().StringVar(&specPath, "chain", "chainspec.json", "Chain spec file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&debug, "debug", "", "Comma-separated modules with trace/debug enabled")

	importCmd := &cobra.Command{
		Use:   "import [file]",
		Short: "Import an RLP block file into the chain database",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			lg := setupLogger(logLevel, debug)
			c, store, err := openClient(dbPath, specPath, sealed, lg)
			if err != nil {
				return err
			}
			defer store.Close()
			defer c.Close()

			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			n, err := importBlocks(c, f, lg)
			if err != nil {
				return err
			}
			fmt.Printf("read %d blocks, best now #%d %s\n", n, c.BestBlockNumber(), c.BestBlockHash())
			return nil
		},
	}
	importCmd.Flags().BoolVar(&sealed, "sealed", false, "Verify seals against the validator contract (requires an execution backend)")

	infoCmd := &cobra.Command{
		Use:   "info",
		Short: "Print the chain database head",
		RunE: func(cmd *cobra.Command, args []string) error {
			lg := setupLogger(logLevel, debug)
			c, store, err := openClient(dbPath, specPath, false, lg)
			if err != nil {
				return err
			}
			defer store.Close()
			defer c.Close()
			fmt.Printf("best block  #%d\n", c.BestBlockNumber())
			fmt.Printf("best hash   %s\n", c.BestBlockHash())
			fmt.Printf("total diff  %s\n", c.Chain().BestBlockTotalDifficulty())
			return nil
		},
	}

	rootCmd.AddCommand(importCmd, infoCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func setupLogger(level, debug string) log.Logger {
	log.InitLogger(level)
	for _, m := range strings.Split(debug, ",") {
		if m = strings.TrimSpace(m); m != "" {
			log.EnableModule(m)
		}
	}
	return log.Root()
}
