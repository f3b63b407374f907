package chain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"taskpay/internal/config"

	"github.com/ethereum/go-ethereum/rpc"
)

var (
	// ErrNotFound 签名在网络上尚不可见。
	// 交易传播是异步的，调用方应视为"仍在等待确认"而不是失败
	ErrNotFound = errors.New("链上未找到该交易签名")
	// ErrTransient 网络/超时类错误，由结算 Worker 按重试上限处理
	ErrTransient = errors.New("链节点临时不可用")
	// ErrFatal 节点明确拒绝交易（交易格式错误等），不应重试
	ErrFatal = errors.New("链节点拒绝交易")
)

// TxStatus 交易确认状态
type TxStatus struct {
	Confirmed bool
	Finalized bool   // 确认深度达到不可逆
	Err       string // 链上执行错误，空串表示无错误
}

// SolanaClient Solana JSON-RPC 客户端
//
// 只负责单次调用：每个请求有独立超时，内部不做任何重试，
// 重试策略完全由结算 Worker 掌握
type SolanaClient struct {
	rpcClient *rpc.Client
	timeout   time.Duration
}

func NewSolanaClient(cfg *config.SolanaConfig) (*SolanaClient, error) {
	client, err := rpc.DialContext(context.Background(), cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("连接 Solana RPC 失败: %w", err)
	}

	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &SolanaClient{
		rpcClient: client,
		timeout:   timeout,
	}, nil
}

func (c *SolanaClient) Close() {
	c.rpcClient.Close()
}

// Submit 广播一笔已签名的转账交易，返回交易签名
//
// 节点返回 JSON-RPC 错误说明交易本身被拒绝（ErrFatal），
// 传输层错误视为临时故障（ErrTransient）
func (c *SolanaClient) Submit(ctx context.Context, signedTxBase64 string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var signature string
	err := c.rpcClient.CallContext(ctx, &signature, "sendTransaction",
		signedTxBase64,
		map[string]interface{}{"encoding": "base64"},
	)
	if err != nil {
		var rpcErr rpc.Error
		if errors.As(err, &rpcErr) {
			return "", fmt.Errorf("%w: code=%d, %v", ErrFatal, rpcErr.ErrorCode(), err)
		}
		return "", fmt.Errorf("%w: %v", ErrTransient, err)
	}

	return signature, nil
}

// getSignatureStatuses 的响应体
type signatureStatusesResult struct {
	Value []*signatureStatus `json:"value"`
}

type signatureStatus struct {
	Slot               uint64          `json:"slot"`
	Confirmations      *uint64         `json:"confirmations"`
	ConfirmationStatus string          `json:"confirmationStatus"`
	Err                json.RawMessage `json:"err"`
}

// GetStatus 查询交易确认状态
//
// searchTransactionHistory=true：已落账的老交易也能查到。
// 签名未知返回 ErrNotFound，调用方按"仍在等待"处理
func (c *SolanaClient) GetStatus(ctx context.Context, ref string) (*TxStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var result signatureStatusesResult
	err := c.rpcClient.CallContext(ctx, &result, "getSignatureStatuses",
		[]string{ref},
		map[string]interface{}{"searchTransactionHistory": true},
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}

	if len(result.Value) == 0 || result.Value[0] == nil {
		return nil, ErrNotFound
	}

	status := result.Value[0]

	txStatus := &TxStatus{
		Confirmed: status.ConfirmationStatus == "confirmed" || status.ConfirmationStatus == "finalized",
		Finalized: status.ConfirmationStatus == "finalized",
	}

	if len(status.Err) > 0 && string(status.Err) != "null" {
		txStatus.Err = string(status.Err)
	}

	return txStatus, nil
}
