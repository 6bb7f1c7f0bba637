package match

import (
	"github.com/bits-and-blooms/bitset"

	"bindiff/internal/program"
)

// lcsAlign computes a longest common subsequence over instruction identity
// (interned mnemonic and operands) between two blocks. It returns a bitmap
// over the primary block's instructions marking the aligned positions, plus
// the subsequence length. The standard backtracking tie-break (prefer
// advancing the primary side) makes the alignment deterministic.
func lcsAlign(primary, secondary []program.Instruction) (*bitset.BitSet, int) {
	n, m := len(primary), len(secondary)
	aligned := bitset.New(uint(n))
	if n == 0 || m == 0 {
		return aligned, 0
	}

	// dp[i][j] = LCS length of primary[i:], secondary[j:].
	dp := make([][]int16, n+1)
	for i := range dp {
		dp[i] = make([]int16, m+1)
	}
	for i := n - 1; i >= 0; i-- {
		for j := m - 1; j >= 0; j-- {
			if primary[i].ID == secondary[j].ID {
				dp[i][j] = dp[i+1][j+1] + 1
			} else if dp[i+1][j] >= dp[i][j+1] {
				dp[i][j] = dp[i+1][j]
			} else {
				dp[i][j] = dp[i][j+1]
			}
		}
	}

	count := 0
	for i, j := 0, 0; i < n && j < m; {
		switch {
		case primary[i].ID == secondary[j].ID:
			aligned.Set(uint(i))
			count++
			i++
			j++
		case dp[i+1][j] >= dp[i][j+1]:
			i++
		default:
			j++
		}
	}
	return aligned, count
}
