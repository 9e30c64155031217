package core

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestShardIndexDeterministicAndInRange(t *testing.T) {
	for _, key := range []string{"alpha", "beta", "gamma"} {
		idx := shardIndex(key, 4)
		require.GreaterOrEqual(t, idx, 0)
		require.Less(t, idx, 4)
		require.Equal(t, idx, shardIndex(key, 4))
	}
}

func TestHasContentionKey(t *testing.T) {
	require.True(t, HasContentionKey(TxOutput{Marker: MarkerContractDeploy}))
	require.True(t, HasContentionKey(TxOutput{Marker: MarkerContractRequest}))
	require.False(t, HasContentionKey(TxOutput{Marker: MarkerPeerData}))
}

func TestShardRouterDispatchAndHandleDeploy(t *testing.T) {
	relay := newTestRelay(t)
	router := NewShardRouter(relay, 2, DefaultDeployPolicy(), NewMetrics())
	stop := make(chan struct{})
	router.Run(stop)
	defer close(stop)

	resp := make(chan ContractStateMarker, 1)
	out := TxOutput{Marker: MarkerContractDeploy, ContractCode: []byte{0x01}, Address: Address{Bytes: []byte{1}}}
	ok := router.Dispatch(ProcessTransaction{Output: out, ResponseChan: resp})
	require.True(t, ok)

	marker := <-resp
	require.True(t, marker.Accepted)
	require.Nil(t, marker.Err)
}

func TestShardRouterRejectsEmptyDeployCode(t *testing.T) {
	relay := newTestRelay(t)
	router := NewShardRouter(relay, 1, DefaultDeployPolicy(), NewMetrics())
	stop := make(chan struct{})
	router.Run(stop)
	defer close(stop)

	resp := make(chan ContractStateMarker, 1)
	out := TxOutput{Marker: MarkerContractDeploy, Address: Address{Bytes: []byte{2}}}
	router.Dispatch(ProcessTransaction{Output: out, ResponseChan: resp})

	marker := <-resp
	require.False(t, marker.Accepted)
	require.NotNil(t, marker.Err)
	require.Equal(t, ErrValidation, marker.Err.Kind)
}

func TestShardRouterStrictFIFOWithinShard(t *testing.T) {
	relay := newTestRelay(t)
	router := NewShardRouter(relay, 1, DefaultDeployPolicy(), NewMetrics())
	stop := make(chan struct{})

	// One shard, so both requests land on it; they are dispatched before
	// Run starts so arrival order is deterministic. Both replies share one
	// channel, so the order they come back in is the order the shard
	// processed them.
	resp := make(chan ContractStateMarker, 2)
	out1 := TxOutput{Marker: MarkerContractRequest, RequestDescriptor: []byte("first-request")}
	out2 := TxOutput{Marker: MarkerContractRequest, RequestDescriptor: []byte("second-request")}
	require.True(t, router.Dispatch(ProcessTransaction{Output: out1, ResponseChan: resp}))
	require.True(t, router.Dispatch(ProcessTransaction{Output: out2, ResponseChan: resp}))

	router.Run(stop)
	defer close(stop)

	m1 := <-resp
	m2 := <-resp
	require.True(t, m1.Accepted)
	require.True(t, m2.Accepted)
	require.Equal(t, "first-request", m1.ContentionKey)
	require.Equal(t, "second-request", m2.ContentionKey)
}
