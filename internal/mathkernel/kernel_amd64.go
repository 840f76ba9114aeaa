//go:build amd64

package mathkernel

import "golang.org/x/sys/cpu"

var (
	hasAVX2 = cpu.X86.HasAVX2 && cpu.X86.HasFMA
)

// dotProductF32 computes the dot product of two float32 vectors. No
// hand-written AVX assembly ships in this build (see DESIGN.md), so this
// runs the same 8-way-unrolled portable loop as the generic build; the
// AVX2/FMA feature bits are still detected for Capability reporting.
func dotProductF32(a, b []float32) float32 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var s0, s1, s2, s3, s4, s5, s6, s7 float32
	i := 0
	for ; i <= n-8; i += 8 {
		s0 += a[i] * b[i]
		s1 += a[i+1] * b[i+1]
		s2 += a[i+2] * b[i+2]
		s3 += a[i+3] * b[i+3]
		s4 += a[i+4] * b[i+4]
		s5 += a[i+5] * b[i+5]
		s6 += a[i+6] * b[i+6]
		s7 += a[i+7] * b[i+7]
	}
	for ; i < n; i++ {
		s0 += a[i] * b[i]
	}
	return (s0 + s1 + s2 + s3) + (s4 + s5 + s6 + s7)
}

func dotProductI8(a, b []int8) int32 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var s0, s1, s2, s3, s4, s5, s6, s7 int32
	i := 0
	for ; i <= n-8; i += 8 {
		s0 += int32(a[i]) * int32(b[i])
		s1 += int32(a[i+1]) * int32(b[i+1])
		s2 += int32(a[i+2]) * int32(b[i+2])
		s3 += int32(a[i+3]) * int32(b[i+3])
		s4 += int32(a[i+4]) * int32(b[i+4])
		s5 += int32(a[i+5]) * int32(b[i+5])
		s6 += int32(a[i+6]) * int32(b[i+6])
		s7 += int32(a[i+7]) * int32(b[i+7])
	}
	for ; i < n; i++ {
		s0 += int32(a[i]) * int32(b[i])
	}
	return (s0 + s1 + s2 + s3) + (s4 + s5 + s6 + s7)
}

func Capability() string {
	if hasAVX2 {
		return "AVX2 + FMA detected, Go dot product (amd64)"
	}
	return "Go dot product (amd64)"
}
