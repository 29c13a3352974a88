package btc

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/txsort"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/goatnetwork/goat-mixer/internal/mixer"
	"github.com/goatnetwork/goat-mixer/internal/types"
	log "github.com/sirupsen/logrus"
)

var (
	ErrUnsupportedCurrency    = errors.New("unsupported currency")
	ErrInsufficientFunds      = errors.New("insufficient funds")
	ErrIncompleteSignatures   = errors.New("transaction is not fully signed")
	ErrMismatchedTransactions = errors.New("signed parts do not spend the same transaction")
)

const (
	dustLimit        btcutil.Amount = 546
	maxConfirmations                = 9999999
)

// RPCClient is the subset of the bitcoind wallet RPC the manager needs.
type RPCClient interface {
	GetNewAddress(account string) (btcutil.Address, error)
	ListUnspentMinMaxAddresses(minConf, maxConf int, addrs []btcutil.Address) ([]btcjson.ListUnspentResult, error)
	SignRawTransactionWithWallet(tx *wire.MsgTx) (*wire.MsgTx, bool, error)
	SendRawTransaction(tx *wire.MsgTx, allowHighFees bool) (*chainhash.Hash, error)
	EstimateSmartFee(confTarget int64, mode *btcjson.EstimateSmartFeeMode) (*btcjson.EstimateSmartFeeResult, error)
}

var (
	_ RPCClient               = (*rpcclient.Client)(nil)
	_ mixer.BlockchainManager = (*Manager)(nil)
)

// NewRPCClient connects to the bitcoind wallet in HTTP POST mode.
func NewRPCClient(host, user, pass string) (*rpcclient.Client, error) {
	connConfig := &rpcclient.ConnConfig{
		Host:         host,
		User:         user,
		Pass:         pass,
		HTTPPostMode: true,
		DisableTLS:   true,
	}
	return rpcclient.New(connConfig, nil)
}

// Manager moves BTC through the node wallet. Deposit addresses of CoinJoin
// participants must be watched by the wallet so their coins can be listed.
// Coins at addresses the manager generated may be spent unconfirmed, every
// other address needs one confirmation.
type Manager struct {
	client RPCClient
	net    *chaincfg.Params
	fees   FeeEstimator

	mu        sync.Mutex
	generated map[string]struct{}
}

func NewManager(client RPCClient, net *chaincfg.Params, fees FeeEstimator) *Manager {
	if fees == nil {
		fees = NewMemPoolFeeFetcher(client, net)
	}
	return &Manager{client: client, net: net, fees: fees, generated: make(map[string]struct{})}
}

// Currencies lists the currencies the manager can move.
func (m *Manager) Currencies() []string {
	return []string{types.CurrencyBTC}
}

func (m *Manager) minConf(addr btcutil.Address) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.generated[addr.EncodeAddress()]; ok {
		return 0
	}
	return 1
}

func checkCurrency(currency string) error {
	if types.NormalizeCurrency(currency) != types.CurrencyBTC {
		return fmt.Errorf("%w: %s", ErrUnsupportedCurrency, currency)
	}
	return nil
}

// GenerateAddress returns a fresh wallet address.
func (m *Manager) GenerateAddress(ctx context.Context, currency string) (string, error) {
	if err := checkCurrency(currency); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	addr, err := m.client.GetNewAddress("")
	if err != nil {
		return "", fmt.Errorf("failed to get new address: %v", err)
	}
	m.mu.Lock()
	m.generated[addr.EncodeAddress()] = struct{}{}
	m.mu.Unlock()
	return addr.EncodeAddress(), nil
}

// GetBalance sums the spendable coins of an address, zero when it holds none.
func (m *Manager) GetBalance(ctx context.Context, currency, address string) (types.Amount, error) {
	if err := checkCurrency(currency); err != nil {
		return 0, err
	}
	addr, err := m.decode(address)
	if err != nil {
		return 0, err
	}
	_, total, err := m.listUnspent(ctx, addr)
	if err != nil {
		return 0, err
	}
	return types.Amount(total), nil
}

// SendTransaction spends every coin of from, pays amount to to and returns the
// change to from. When the coins cover amount but not the fee, the fee comes out of
// the payout. The wallet must hold the key of keyRef, which has to be from.
func (m *Manager) SendTransaction(ctx context.Context, currency, from, to string, amount types.Amount, keyRef string) (string, error) {
	if err := checkCurrency(currency); err != nil {
		return "", err
	}
	if keyRef != from {
		return "", fmt.Errorf("key %s cannot spend coins of %s", keyRef, from)
	}
	fromAddr, err := m.decode(from)
	if err != nil {
		return "", err
	}
	toAddr, err := m.decode(to)
	if err != nil {
		return "", err
	}
	utxos, total, err := m.unspent(ctx, fromAddr)
	if err != nil {
		return "", err
	}
	payout := btcutil.Amount(amount)
	if total < payout {
		return "", fmt.Errorf("%w: %s holds %v, need %v", ErrInsufficientFunds, from, total, payout)
	}
	feeRate, err := m.feeRate(ctx)
	if err != nil {
		return "", err
	}

	fee := btcutil.Amount(feeRate * estimateVSize(len(utxos), 2))
	change := total - payout - fee
	if change < 0 {
		fee = btcutil.Amount(feeRate * estimateVSize(len(utxos), 1))
		payout = total - fee
		change = 0
	}
	if payout < dustLimit {
		return "", fmt.Errorf("%w: payout %v below dust after fee %v", ErrInsufficientFunds, payout, fee)
	}

	tx := wire.NewMsgTx(wire.TxVersion)
	for _, u := range utxos {
		tx.AddTxIn(wire.NewTxIn(&u.outpoint, nil, nil))
	}
	if err := addOutput(tx, toAddr, payout); err != nil {
		return "", err
	}
	if change >= dustLimit {
		if err := addOutput(tx, fromAddr, change); err != nil {
			return "", err
		}
	}

	signed, complete, err := m.client.SignRawTransactionWithWallet(tx)
	if err != nil {
		return "", fmt.Errorf("failed to sign transaction from %s: %v", from, err)
	}
	if !complete {
		return "", fmt.Errorf("%w: wallet has no key for %s", ErrIncompleteSignatures, from)
	}
	txid, err := m.broadcast(signed)
	if err != nil {
		return "", err
	}
	log.Debugf("Sent %v from %s to %s, fee %v, txid %s", payout, from, to, fee, txid)
	return txid, nil
}

// BuildJointTransaction spends every coin of every input address. Each input gets
// its surplus back as change and the fee is shared evenly by the mix outputs.
// Inputs and outputs are sorted per BIP 69.
func (m *Manager) BuildJointTransaction(ctx context.Context, currency string, inputs []types.JointInput, outputs []types.JointOutput) ([]byte, error) {
	if err := checkCurrency(currency); err != nil {
		return nil, err
	}
	if len(inputs) == 0 || len(outputs) == 0 {
		return nil, errors.New("joint transaction needs inputs and outputs")
	}

	var inSum, outSum types.Amount
	for _, in := range inputs {
		inSum += in.Amount
	}
	for _, out := range outputs {
		outSum += out.Amount
	}
	if outSum > inSum {
		return nil, fmt.Errorf("%w: outputs %s exceed inputs %s", ErrInsufficientFunds, outSum, inSum)
	}

	tx := wire.NewMsgTx(wire.TxVersion)
	type change struct {
		addr   btcutil.Address
		amount btcutil.Amount
	}
	var changes []change
	for _, in := range inputs {
		addr, err := m.decode(in.Address)
		if err != nil {
			return nil, err
		}
		utxos, total, err := m.unspent(ctx, addr)
		if err != nil {
			return nil, err
		}
		if total < btcutil.Amount(in.Amount) {
			return nil, fmt.Errorf("%w: participant %s holds %v, committed %v", ErrInsufficientFunds, in.ParticipantID, total, btcutil.Amount(in.Amount))
		}
		for _, u := range utxos {
			tx.AddTxIn(wire.NewTxIn(&u.outpoint, nil, nil))
		}
		if surplus := total - btcutil.Amount(in.Amount); surplus >= dustLimit {
			changes = append(changes, change{addr: addr, amount: surplus})
		}
	}

	feeRate, err := m.feeRate(ctx)
	if err != nil {
		return nil, err
	}
	fee := btcutil.Amount(feeRate * estimateVSize(len(tx.TxIn), len(outputs)+len(changes)))
	share := fee / btcutil.Amount(len(outputs))
	remainder := fee - share*btcutil.Amount(len(outputs))

	for i, out := range outputs {
		addr, err := m.decode(out.Address)
		if err != nil {
			return nil, err
		}
		value := btcutil.Amount(out.Amount) - share
		if i == 0 {
			value -= remainder
		}
		if value < dustLimit {
			return nil, fmt.Errorf("%w: output %s below dust after fee share", ErrInsufficientFunds, out.Address)
		}
		if err := addOutput(tx, addr, value); err != nil {
			return nil, err
		}
	}
	for _, c := range changes {
		if err := addOutput(tx, c.addr, c.amount); err != nil {
			return nil, err
		}
	}

	txsort.InPlaceSort(tx)
	log.Debugf("Built joint transaction %s: %d inputs, %d outputs, fee %v", tx.TxHash(), len(tx.TxIn), len(tx.TxOut), fee)
	return SerializeTx(tx)
}

// SignTransaction signs the inputs the wallet holds keys for. A joint transaction
// stays incomplete until the other participants' parts are combined.
func (m *Manager) SignTransaction(ctx context.Context, currency string, raw []byte, keyRef string) ([]byte, error) {
	if err := checkCurrency(currency); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	tx, err := DeserializeTx(raw)
	if err != nil {
		return nil, err
	}
	signed, complete, err := m.client.SignRawTransactionWithWallet(tx)
	if err != nil {
		return nil, fmt.Errorf("failed to sign with key %s: %v", keyRef, err)
	}
	if unsignedInputs(signed) == len(signed.TxIn) {
		return nil, fmt.Errorf("%w: wallet signed no input for %s", ErrIncompleteSignatures, keyRef)
	}
	log.Debugf("Signed transaction %s for %s, complete %v", signed.TxHash(), keyRef, complete)
	return SerializeTx(signed)
}

// CombineSignatures merges partially signed copies of the same transaction.
func (m *Manager) CombineSignatures(ctx context.Context, currency string, parts [][]byte) ([]byte, error) {
	if err := checkCurrency(currency); err != nil {
		return nil, err
	}
	if len(parts) == 0 {
		return nil, errors.New("no signed parts to combine")
	}
	combined, err := DeserializeTx(parts[0])
	if err != nil {
		return nil, err
	}
	for i, raw := range parts[1:] {
		part, err := DeserializeTx(raw)
		if err != nil {
			return nil, fmt.Errorf("part %d: %w", i+1, err)
		}
		if !sameSpend(combined, part) {
			return nil, fmt.Errorf("%w: part %d", ErrMismatchedTransactions, i+1)
		}
		for j, in := range part.TxIn {
			if !isSigned(combined.TxIn[j]) && isSigned(in) {
				combined.TxIn[j].SignatureScript = in.SignatureScript
				combined.TxIn[j].Witness = in.Witness
			}
		}
	}
	if n := unsignedInputs(combined); n > 0 {
		return nil, fmt.Errorf("%w: %d of %d inputs unsigned", ErrIncompleteSignatures, n, len(combined.TxIn))
	}
	return SerializeTx(combined)
}

func (m *Manager) BroadcastTransaction(ctx context.Context, currency string, raw []byte) (string, error) {
	if err := checkCurrency(currency); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	tx, err := DeserializeTx(raw)
	if err != nil {
		return "", err
	}
	return m.broadcast(tx)
}

func (m *Manager) broadcast(tx *wire.MsgTx) (string, error) {
	txid := tx.TxHash().String()
	if _, err := m.client.SendRawTransaction(tx, false); err != nil {
		var rpcErr *btcjson.RPCError
		if errors.As(err, &rpcErr) && rpcErr.Code == btcjson.ErrRPCTxAlreadyInChain {
			log.Warnf("Transaction %s already in chain", txid)
			return txid, nil
		}
		return "", fmt.Errorf("failed to broadcast transaction %s: %v", txid, err)
	}
	return txid, nil
}

func (m *Manager) decode(address string) (btcutil.Address, error) {
	if err := types.ValidateAddress(types.CurrencyBTC, address, m.net); err != nil {
		return nil, err
	}
	return btcutil.DecodeAddress(address, m.net)
}

func (m *Manager) listUnspent(ctx context.Context, addr btcutil.Address) ([]utxo, btcutil.Amount, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	list, err := m.client.ListUnspentMinMaxAddresses(m.minConf(addr), maxConfirmations, []btcutil.Address{addr})
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list unspent of %s: %v", addr.EncodeAddress(), err)
	}
	return toUtxos(list)
}

func (m *Manager) unspent(ctx context.Context, addr btcutil.Address) ([]utxo, btcutil.Amount, error) {
	utxos, total, err := m.listUnspent(ctx, addr)
	if err != nil {
		return nil, 0, err
	}
	if len(utxos) == 0 {
		return nil, 0, fmt.Errorf("%w: no spendable coins at %s", ErrInsufficientFunds, addr.EncodeAddress())
	}
	return utxos, total, nil
}

// feeRate returns the half hour rate in sat/vB.
func (m *Manager) feeRate(ctx context.Context) (int64, error) {
	fee, err := m.fees.GetNetworkFee(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to get network fee: %v", err)
	}
	if fee.HalfHourFee == 0 {
		return defaultFeeRate, nil
	}
	return int64(fee.HalfHourFee), nil
}

func addOutput(tx *wire.MsgTx, addr btcutil.Address, amount btcutil.Amount) error {
	pkScript, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return fmt.Errorf("failed to build output script for %s: %v", addr.EncodeAddress(), err)
	}
	tx.AddTxOut(wire.NewTxOut(int64(amount), pkScript))
	return nil
}
