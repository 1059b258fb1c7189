package transport

import (
	"context"

	"github.com/gateway-fm/chainhammer/internal/rpc"
	"github.com/gateway-fm/chainhammer/pkg/types"
)

// NodeHealth checks the node with web3_clientVersion and eth_blockNumber.
type NodeHealth struct {
	client     rpc.Client
	rpcAddress string
}

// NewNodeHealth creates a NodeHealth for the node at rpcAddress.
func NewNodeHealth(client rpc.Client, rpcAddress string) *NodeHealth {
	return &NodeHealth{client: client, rpcAddress: rpcAddress}
}

// Health implements HealthChecker.
func (h *NodeHealth) Health(ctx context.Context) types.HealthResponse {
	resp := types.HealthResponse{Status: "healthy", RPCAddress: h.rpcAddress}

	version, err := h.client.ClientVersion(ctx)
	if err != nil {
		resp.Status = "unhealthy"
		resp.Error = err.Error()
		return resp
	}
	resp.NodeVersion = version

	block, err := h.client.GetBlockNumber(ctx)
	if err != nil {
		resp.Status = "unhealthy"
		resp.Error = err.Error()
		return resp
	}
	resp.BlockNumber = block
	return resp
}
