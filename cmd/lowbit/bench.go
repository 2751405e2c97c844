package main

import (
	"fmt"
	"math"
	"math/rand"
	"os"
	"runtime"
	"time"

	"github.com/goccy/go-json"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/LynnColeArt/lowbit"
)

// Case is one entry of a bench suite. Fields that do not apply to the
// case's kind are ignored.
type Case struct {
	Name string `yaml:"name"`
	// Kind is roundtrip, optimizer, gemm4bit or igemm.
	Kind string `yaml:"kind"`
	Seed int64  `yaml:"seed"`

	// roundtrip, gemm4bit
	DataType  string `yaml:"type"`
	Blocksize int    `yaml:"blocksize"`
	DType     string `yaml:"dtype"`

	// optimizer
	Algorithm string `yaml:"algorithm"`
	Mode      string `yaml:"mode"` // blockwise or static
	Steps     int    `yaml:"steps"`

	// igemm
	Format string `yaml:"format"`

	// Sizes: roundtrip and optimizer use N as the element count.
	M int `yaml:"m"`
	N int `yaml:"n"`
	K int `yaml:"k"`
}

// Suite is the YAML document read by bench.
type Suite struct {
	Cases []Case `yaml:"cases"`
}

// Result is the outcome of one case.
type Result struct {
	Name        string        `json:"name"`
	Kind        string        `json:"kind"`
	Status      string        `json:"status"`
	Duration    time.Duration `json:"duration_ns"`
	MaxAbsError float32       `json:"max_abs_error"`
	MaxRelError float32       `json:"max_rel_error"`
	NumErrors   int           `json:"num_errors"`
	Total       int           `json:"total"`
	Message     string        `json:"message,omitempty"`
}

// Report is the JSON document written by bench and read by compare.
type Report struct {
	Version string    `json:"version"`
	GOARCH  string    `json:"goarch"`
	CPU     string    `json:"cpu"`
	Created time.Time `json:"created"`
	Results []Result  `json:"results"`
}

func defaultSuite() Suite {
	return Suite{Cases: []Case{
		{Name: "roundtrip-nf4", Kind: "roundtrip", DataType: "nf4", Blocksize: 64, N: 1 << 16},
		{Name: "roundtrip-fp4", Kind: "roundtrip", DataType: "fp4", Blocksize: 128, N: 1 << 16},
		{Name: "roundtrip-general-bf16", Kind: "roundtrip", DataType: "general", DType: "bf16", Blocksize: 4096, N: 1 << 16},
		{Name: "adam-blockwise", Kind: "optimizer", Algorithm: "adam", Mode: "blockwise", N: 1 << 15, Steps: 5},
		{Name: "momentum-static", Kind: "optimizer", Algorithm: "momentum", Mode: "static", N: 1 << 15, Steps: 5},
		{Name: "lion-blockwise", Kind: "optimizer", Algorithm: "lion", Mode: "blockwise", N: 1 << 15, Steps: 5},
		{Name: "gemm4bit-nf4", Kind: "gemm4bit", DataType: "nf4", Blocksize: 64, M: 4, N: 256, K: 1024},
		{Name: "igemmlt-row", Kind: "igemm", Format: "row", M: 64, N: 96, K: 128},
		{Name: "igemmlt-turing", Kind: "igemm", Format: "col_turing", M: 64, N: 96, K: 128},
		{Name: "igemmlt-ampere", Kind: "igemm", Format: "col_ampere", M: 64, N: 96, K: 128},
	}}
}

func loadSuite(path string) (Suite, error) {
	if path == "" {
		return defaultSuite(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Suite{}, err
	}
	var s Suite
	if err := yaml.Unmarshal(data, &s); err != nil {
		return Suite{}, fmt.Errorf("suite %s: %w", path, err)
	}
	if len(s.Cases) == 0 {
		return Suite{}, fmt.Errorf("suite %s: no cases", path)
	}
	return s, nil
}

func benchCmd(a *app) *cobra.Command {
	var suitePath, report string

	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Run kernels against their references and report accuracy and time",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			applyBenchConfig(cmd, a.cfg, &suitePath, &report)

			suite, err := loadSuite(suitePath)
			if err != nil {
				return err
			}

			ctx := a.context()
			defer ctx.Destroy()

			rep := runSuite(ctx, suite)
			printResults(cmd, rep.Results)

			if report != "" {
				js, err := json.MarshalIndent(rep, "", "  ")
				if err != nil {
					return err
				}
				if err := os.WriteFile(report, js, 0o644); err != nil {
					return err
				}
				a.logger.Info("report written", "path", report, "cases", len(rep.Results))
			}

			for _, r := range rep.Results {
				if r.Status != "PASS" {
					return fmt.Errorf("%s: %s", r.Name, r.Status)
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&suitePath, "suite", "", "YAML suite, defaults to the built-in cases")
	cmd.Flags().StringVar(&report, "report", "", "Write a JSON report to this file")
	return cmd
}

func runSuite(ctx *lowbit.Context, suite Suite) Report {
	rep := Report{
		Version: lowbit.Version(),
		GOARCH:  runtime.GOARCH,
		CPU:     lowbit.GetCPUInfo(),
		Created: time.Now().UTC(),
	}
	for _, c := range suite.Cases {
		rep.Results = append(rep.Results, runCase(ctx, c))
	}
	return rep
}

func runCase(ctx *lowbit.Context, c Case) Result {
	res := Result{Name: c.Name, Kind: c.Kind}

	v, refErr, err := verifierFor(ctx, c)
	if err != nil {
		res.Status = "ERROR"
		res.Message = err.Error()
		return res
	}

	start := time.Now()
	vr, err := v.Verify(ctx)
	res.Duration = time.Since(start)
	if err == nil {
		err = *refErr
	}
	if err != nil {
		res.Status = "ERROR"
		res.Message = err.Error()
		return res
	}

	res.MaxAbsError = vr.MaxAbsError
	res.MaxRelError = vr.MaxRelError
	res.NumErrors = vr.NumErrors
	res.Total = vr.TotalItems
	res.Status = "PASS"
	if vr.NumErrors > 0 {
		res.Status = "FAIL"
		res.Message = fmt.Sprintf("first error at index %d", vr.FirstError)
	}
	return res
}

// verifierFor builds the verifier of a case. Errors raised inside the
// reference are reported through the returned pointer once Verify ran.
func verifierFor(ctx *lowbit.Context, c Case) (lowbit.KernelVerifier, *error, error) {
	refErr := new(error)
	rng := rand.New(rand.NewSource(c.Seed))
	v := lowbit.KernelVerifier{Name: c.Name}

	switch c.Kind {
	case "roundtrip":
		dt, err := lowbit.ParseDataType(c.DataType)
		if err != nil {
			return v, nil, err
		}
		elem := lowbit.Float32
		if c.DType != "" {
			if elem, err = lowbit.ParseDType(c.DType); err != nil {
				return v, nil, err
			}
		}
		input := encode(elem, normals(rng, c.N, 1))
		values := input.Float32s()
		code := lowbit.CodeFor(dt)

		v.Reference = func() []float32 { return values }
		v.Kernel = func(ctx *lowbit.Context) ([]float32, error) {
			q, err := ctx.QuantizeBlockwise(code, input, lowbit.BlockwiseOptions{Blocksize: c.Blocksize, DataType: dt})
			if err != nil {
				return nil, err
			}
			out := make([]float32, c.N)
			return out, ctx.DequantizeBlockwise(code, q, lowbit.F32(out))
		}
		var absmax float32
		for _, x := range values {
			absmax = max(absmax, float32(math.Abs(float64(x))))
		}
		v.Tolerance = lowbit.QuantizationTolerance(code, absmax)

	case "optimizer":
		alg, err := lowbit.ParseAlgorithm(c.Algorithm)
		if err != nil {
			return v, nil, err
		}
		mode := c.Mode
		if mode == "" {
			mode = "blockwise"
		}
		if mode != "blockwise" && mode != "static" {
			return v, nil, fmt.Errorf("unknown optimizer mode %q", c.Mode)
		}
		q2, err := lowbit.NewCodebook(lowbit.DynamicMap(false, 7))
		if err != nil {
			return v, nil, err
		}
		h := lowbit.Hyper{Beta1: 0.9, Beta2: 0.999, Eps: 1e-8, LR: 1e-3}
		if alg == lowbit.Lion {
			h.Beta2 = 0.99
		}
		params := normals(rng, c.N, 0.1)
		grads := make([][]float32, c.Steps)
		for i := range grads {
			grads[i] = gradients(rng, c.N)
		}

		v.Reference = func() []float32 {
			p := append([]float32(nil), params...)
			s1, s2 := make([]float32, c.N), make([]float32, c.N)
			for step := 1; step <= c.Steps; step++ {
				h.Step = step
				if err := ctx.Optimizer32bit(alg, lowbit.F32(grads[step-1]), lowbit.F32(p), s1, s2, nil, h); err != nil {
					*refErr = err
					return nil
				}
			}
			return p
		}
		v.Kernel = func(ctx *lowbit.Context) ([]float32, error) {
			p := append([]float32(nil), params...)
			c1, c2 := make([]byte, c.N), make([]byte, c.N)
			blocks := (c.N + lowbit.BlockwiseOptimizerSize - 1) / lowbit.BlockwiseOptimizerSize
			a1, a2 := make([]float32, blocks), make([]float32, blocks)
			var scales lowbit.ScaleState
			for step := 1; step <= c.Steps; step++ {
				h.Step = step
				g := lowbit.F32(grads[step-1])
				var err error
				if mode == "static" {
					err = ctx.OptimizerStatic8bit(alg, g, lowbit.F32(p), c1, c2, lowbit.GeneralCode(), q2, &scales, nil, h)
					scales.Swap()
				} else {
					err = ctx.OptimizerStatic8bitBlockwise(alg, g, lowbit.F32(p), c1, c2, lowbit.GeneralCode(), q2, a1, a2, h)
				}
				if err != nil {
					return nil, err
				}
			}
			return p, nil
		}
		v.Tolerance = lowbit.ToleranceConfig{AbsTol: float32(c.Steps) * h.LR * 0.5}

	case "gemm4bit":
		dt, err := lowbit.ParseDataType(c.DataType)
		if err != nil {
			return v, nil, err
		}
		code := lowbit.CodeFor(dt)
		A := normals(rng, c.M*c.K, 1)
		W := normals(rng, c.N*c.K, 0.5)
		q, err := ctx.QuantizeBlockwise(code, lowbit.F32(W), lowbit.BlockwiseOptions{Blocksize: c.Blocksize, DataType: dt})
		if err != nil {
			return v, nil, err
		}

		v.Reference = func() []float32 {
			Wdq := make([]float32, c.N*c.K)
			out := make([]float32, c.M*c.N)
			if *refErr = ctx.DequantizeBlockwise(code, q, lowbit.F32(Wdq)); *refErr != nil {
				return nil
			}
			*refErr = ctx.GemmHost(c.M, c.N, c.K, lowbit.F32(A), lowbit.F32(Wdq), lowbit.F32(out), c.K, c.K, c.N)
			return out
		}
		v.Kernel = func(ctx *lowbit.Context) ([]float32, error) {
			out := make([]float32, c.M*c.N)
			return out, ctx.Gemm4BitInference(c.M, c.N, c.K, lowbit.F32(A), q.Packed, q.Absmax, code, c.Blocksize, lowbit.F32(out), c.K, c.K, c.N)
		}
		v.Tolerance = lowbit.RelaxedTolerance()
		v.Tolerance.AbsTol = 5e-3

	case "igemm":
		f, err := lowbit.ParseFormat(c.Format)
		if err != nil {
			return v, nil, err
		}
		A, B := int8s(rng, c.M*c.K), int8s(rng, c.N*c.K)

		v.Reference = func() []float32 {
			out := make([]float32, c.M*c.N)
			for r := 0; r < c.M; r++ {
				for col := 0; col < c.N; col++ {
					var acc int32
					for k := 0; k < c.K; k++ {
						acc += int32(A[r*c.K+k]) * int32(B[col*c.K+k])
					}
					out[r*c.N+col] = float32(acc)
				}
			}
			return out
		}
		v.Kernel = func(ctx *lowbit.Context) ([]float32, error) {
			C, err := igemm(ctx, f, c.M, c.N, c.K, A, B)
			if err != nil {
				return nil, err
			}
			out := make([]float32, len(C))
			for i, x := range C {
				out[i] = float32(x)
			}
			return out, nil
		}
		v.Tolerance = lowbit.DefaultTolerance()

	default:
		return v, nil, fmt.Errorf("unknown case kind %q", c.Kind)
	}
	return v, refErr, nil
}

// igemm multiplies row-major A by B^T, converting the operands to f first.
func igemm(ctx *lowbit.Context, f lowbit.Format, m, n, k int, A, B []int8) ([]int32, error) {
	cfg := lowbit.IgemmConfig{Format: f, OutBits: 32}
	if f == lowbit.Row {
		C := make([]int32, m*n)
		return C, ctx.Igemmlt(cfg, m, n, k, A, B, C, nil, k, k, n)
	}
	tA, err := ctx.TransformRowToFormat(lowbit.Col32, false, A, m, k)
	if err != nil {
		return nil, err
	}
	tB, err := ctx.TransformRowToFormat(f, false, B, n, k)
	if err != nil {
		return nil, err
	}
	tC := make([]int32, lowbit.TiledSize(lowbit.Col32, m, n))
	if err := ctx.Igemmlt(cfg, m, n, k, tA, tB, tC, nil, 0, 0, 0); err != nil {
		return nil, err
	}
	return ctx.TransformInt32(lowbit.Col32, false, tC, m, n)
}

func normals(rng *rand.Rand, n int, scale float32) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(rng.NormFloat64()) * scale
	}
	return out
}

// gradients keeps magnitudes in [0.05, 0.15) so the unsigned second state
// stays inside the dynamic range of its 8-bit code.
func gradients(rng *rand.Rand, n int) []float32 {
	g := make([]float32, n)
	for i := range g {
		g[i] = 0.05 + 0.1*rng.Float32()
		if rng.Intn(2) == 0 {
			g[i] = -g[i]
		}
	}
	return g
}

func int8s(rng *rand.Rand, n int) []int8 {
	out := make([]int8, n)
	for i := range out {
		out[i] = int8(rng.Intn(255) - 127)
	}
	return out
}

func encode(dtype lowbit.DType, v []float32) lowbit.Tensor {
	switch dtype {
	case lowbit.Float16:
		return lowbit.F16(v)
	case lowbit.BFloat16:
		return lowbit.BF16(v)
	default:
		return lowbit.F32(v)
	}
}

func printResults(cmd *cobra.Command, results []Result) {
	table := tablewriter.NewWriter(cmd.OutOrStdout())
	table.SetHeader([]string{"CASE", "STATUS", "TIME", "MAX ABS", "MAX REL", "ERRORS"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	for _, r := range results {
		table.Append([]string{
			r.Name,
			r.Status,
			r.Duration.Round(time.Microsecond).String(),
			fmt.Sprintf("%.2e", r.MaxAbsError),
			fmt.Sprintf("%.2e", r.MaxRelError),
			fmt.Sprintf("%d/%d", r.NumErrors, r.Total),
		})
	}
	table.Render()
	for _, r := range results {
		if r.Message != "" {
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", r.Name, r.Message)
		}
	}
}
