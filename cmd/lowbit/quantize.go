package main

import (
	"fmt"
	"os"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/LynnColeArt/lowbit"
)

// header describes a packed file written by quantize. It is stored next to
// the codes as <out>.json.
type header struct {
	DataType  string    `json:"data_type"`
	DType     string    `json:"dtype"`
	Blocksize int       `json:"blocksize"`
	N         int       `json:"n"`
	Absmax    []float32 `json:"absmax"`
}

func headerPath(packed string) string { return packed + ".json" }

func (h header) state(packed []byte) (lowbit.QuantState, error) {
	dt, err := lowbit.ParseDataType(h.DataType)
	if err != nil {
		return lowbit.QuantState{}, err
	}
	dtype, err := lowbit.ParseDType(h.DType)
	if err != nil {
		return lowbit.QuantState{}, err
	}
	if want := dt.PackedLen(h.N); len(packed) != want {
		return lowbit.QuantState{}, fmt.Errorf("packed file holds %d bytes, header expects %d", len(packed), want)
	}
	return lowbit.QuantState{
		DataType:  dt,
		DType:     dtype,
		Blocksize: h.Blocksize,
		N:         h.N,
		Packed:    packed,
		Absmax:    h.Absmax,
	}, nil
}

func quantizeCmd(a *app) *cobra.Command {
	var in, out, dataType, dtype string
	var blocksize int

	cmd := &cobra.Command{
		Use:   "quantize",
		Short: "Blockwise quantize a raw little-endian tensor",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			applyQuantizeConfig(cmd, a.cfg, &blocksize, &dataType, &dtype)

			dt, err := lowbit.ParseDataType(dataType)
			if err != nil {
				return err
			}
			elem, err := lowbit.ParseDType(dtype)
			if err != nil {
				return err
			}
			data, err := os.ReadFile(in)
			if err != nil {
				return err
			}
			if len(data)%elem.Size() != 0 {
				return fmt.Errorf("%s: %d bytes is not a whole number of %s elements", in, len(data), elem)
			}

			ctx := a.context()
			defer ctx.Destroy()

			q, err := ctx.QuantizeBlockwise(lowbit.CodeFor(dt), lowbit.Tensor{DType: elem, Data: data}, lowbit.BlockwiseOptions{
				Blocksize: blocksize,
				DataType:  dt,
			})
			if err != nil {
				return err
			}

			h := header{
				DataType:  q.DataType.String(),
				DType:     q.DType.String(),
				Blocksize: q.Blocksize,
				N:         q.N,
				Absmax:    q.Absmax,
			}
			js, err := json.MarshalIndent(h, "", "  ")
			if err != nil {
				return err
			}
			if err := os.WriteFile(out, q.Packed, 0o644); err != nil {
				return err
			}
			if err := os.WriteFile(headerPath(out), js, 0o644); err != nil {
				return err
			}

			a.logger.Debug("quantized", "in", in, "out", out, "n", q.N, "blocks", q.Blocks())
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d %s values -> %d bytes (%s, blocksize %d)\n",
				out, q.N, q.DType, len(q.Packed)+4*len(q.Absmax), q.DataType, q.Blocksize)
			return nil
		},
	}

	cmd.Flags().StringVar(&in, "in", "", "Raw little-endian input tensor")
	cmd.Flags().StringVar(&out, "out", "", "Packed output file, the header is written to <out>.json")
	cmd.Flags().IntVar(&blocksize, "blocksize", 64, "Elements per absmax block")
	cmd.Flags().StringVarP(&dataType, "type", "t", "nf4", "Data type: general, nf4 or fp4")
	cmd.Flags().StringVar(&dtype, "dtype", "fp32", "Input element type: fp32, fp16 or bf16")
	cmd.MarkFlagRequired("in")
	cmd.MarkFlagRequired("out")
	return cmd
}

func dequantizeCmd(a *app) *cobra.Command {
	var in, out, dtype string

	cmd := &cobra.Command{
		Use:   "dequantize",
		Short: "Restore a tensor written by quantize",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			js, err := os.ReadFile(headerPath(in))
			if err != nil {
				return err
			}
			var h header
			if err := json.Unmarshal(js, &h); err != nil {
				return fmt.Errorf("%s: %w", headerPath(in), err)
			}
			packed, err := os.ReadFile(in)
			if err != nil {
				return err
			}
			q, err := h.state(packed)
			if err != nil {
				return fmt.Errorf("%s: %w", in, err)
			}

			elem := q.DType
			if dtype != "" {
				if elem, err = lowbit.ParseDType(dtype); err != nil {
					return err
				}
			}

			ctx := a.context()
			defer ctx.Destroy()

			t := lowbit.NewTensor(elem, q.N)
			if err := ctx.DequantizeBlockwise(lowbit.CodeFor(q.DataType), q, t); err != nil {
				return err
			}
			if err := os.WriteFile(out, t.Data, 0o644); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d %s values\n", out, q.N, elem)
			return nil
		},
	}

	cmd.Flags().StringVar(&in, "in", "", "Packed file written by quantize")
	cmd.Flags().StringVar(&out, "out", "", "Raw little-endian output tensor")
	cmd.Flags().StringVar(&dtype, "dtype", "", "Output element type, defaults to the quantized input's")
	cmd.MarkFlagRequired("in")
	cmd.MarkFlagRequired("out")
	return cmd
}
