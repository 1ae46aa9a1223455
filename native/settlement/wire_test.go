package settlement

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSubmissionDecodesToVerifiableBatch(t *testing.T) {
	e := newEnv(t)
	batch := Batch{Operator: e.operator.Address(), Pairs: []Pair{e.pair(e.lenders[0], 1_000, 10)}}
	proof, err := SignBatch(batch, e.domain, e.operator)
	require.NoError(t, err)

	raw, err := json.Marshal(NewSubmission(batch, proof))
	require.NoError(t, err)
	var sub Submission
	require.NoError(t, json.Unmarshal(raw, &sub))
	decoded, decodedProof, err := sub.Decode()
	require.NoError(t, err)

	want, err := batch.Digest(e.domain)
	require.NoError(t, err)
	got, err := decoded.Digest(e.domain)
	require.NoError(t, err)
	require.Equal(t, want, got)

	ids, err := e.settler.SubmitBatch(context.Background(), decoded, e.operator.Address(), decodedProof)
	require.NoError(t, err)
	require.Len(t, ids, 1)
}

func TestSubmissionRejectsMalformedFields(t *testing.T) {
	e := newEnv(t)
	batch := Batch{Operator: e.operator.Address(), Pairs: []Pair{e.pair(e.lenders[0], 1_000, 10)}}
	good := NewSubmission(batch, []byte{0x01})

	cases := map[string]func(*Submission){
		"operator":  func(s *Submission) { s.Operator = "nope" },
		"proof":     func(s *Submission) { s.Proof = "0xzz" },
		"principal": func(s *Submission) { s.Pairs[0].Principal = "-5" },
		"intent":    func(s *Submission) { s.Pairs[0].LendIntent.Side = "swap" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			sub := good
			sub.Pairs = append([]PairWire(nil), good.Pairs...)
			mutate(&sub)
			_, _, err := sub.Decode()
			require.Error(t, err)
		})
	}
}
