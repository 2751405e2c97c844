// Copyright ©2019 The Gonum Authors. All rights reserved.
// Copyright ©2024 The GUDA Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// The kernels are grouped as follows:
//   - Codebooks: the dynamic 8-bit map, NF4 and FP4 tables and quantile
//     estimation for data-derived codes
//   - Statistics: row and column absmax with outlier counting, and the
//     row/column int8 quantization built on it
//   - Blockwise quantization: absmax per block, nearest or stochastic code
//     search, 4-bit packing, and the inverse
//   - Fused optimizers: Adam, Momentum, RMSProp, Adagrad and Lion on float32,
//     per-tensor 8-bit and blockwise 8-bit states, with percentile clipping
//   - Layouts: row, column, COL32 and the Turing and Ampere tile orders
//   - Matrix products: int8 igemm, 4-bit weight inference GEMM and sparse
//     COO products
//
// Every call stages its buffers into device memory owned by the Context,
// runs one or more launches on the default stream and copies results back
// only when every launch succeeded.
package lowbit
