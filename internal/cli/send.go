package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/g960059/infersession/internal/model"
	"github.com/g960059/infersession/internal/session"
	"github.com/g960059/infersession/internal/wire"
)

const maxStdinPrompt int64 = 1 << 20

func newSendCmd(a *app) *cobra.Command {
	var (
		kind        string
		timeout     time.Duration
		modelName   string
		maxTokens   int
		temperature float64
		stop        []string
	)
	cmd := &cobra.Command{
		Use:   "send [flags] <prompt...|->",
		Short: "Send one prompt and print the scored response as JSON",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prompt, err := readPrompt(cmd.InOrStdin(), args)
			if err != nil {
				return err
			}
			req := session.Request{
				Kind:    model.CanonicalOperationKind(kind),
				Prompt:  prompt,
				Timeout: timeout,
				Params: wire.Params{
					Model:     modelName,
					MaxTokens: maxTokens,
					Stop:      stop,
				},
			}
			if cmd.Flags().Changed("temperature") {
				req.Params.Temperature = &temperature
			}

			cs, err := a.startSession(cmd.Context())
			if err != nil {
				return err
			}
			defer cs.close()

			resp, err := cs.m.Send(cmd.Context(), req)
			if err != nil {
				return fmt.Errorf("send: %w", err)
			}
			return writeJSON(cmd.OutOrStdout(), resp)
		},
	}
	f := cmd.Flags()
	f.StringVar(&kind, "kind", string(model.KindGenerate), "operation kind (status, completion, generate, embed)")
	f.DurationVar(&timeout, "timeout", 0, "request timeout (0 uses request_timeout)")
	f.StringVar(&modelName, "model", "", "model override")
	f.IntVar(&maxTokens, "max-tokens", 0, "maximum tokens to generate")
	f.Float64Var(&temperature, "temperature", 0, "sampling temperature")
	f.StringSliceVar(&stop, "stop", nil, "stop sequences")
	return cmd
}

// readPrompt joins args into the prompt; a single "-" reads it from stdin.
func readPrompt(stdin io.Reader, args []string) (string, error) {
	if len(args) == 1 && args[0] == "-" {
		data, err := io.ReadAll(io.LimitReader(stdin, maxStdinPrompt+1))
		if err != nil {
			return "", fmt.Errorf("read prompt: %w", err)
		}
		if int64(len(data)) > maxStdinPrompt {
			return "", fmt.Errorf("%w: prompt exceeds %d bytes", errUsage, maxStdinPrompt)
		}
		args = []string{string(data)}
	}
	prompt := strings.TrimSpace(strings.Join(args, " "))
	if prompt == "" {
		return "", fmt.Errorf("%w: prompt is empty", errUsage)
	}
	return prompt, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
