package main

import (
	"encoding/json"
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/detection-orchestrator/internal/model"
)

var (
	detectPhotoID       string
	detectPhotoURL      string
	detectCapabilities  []string
	detectCorrelationID string
	detectFake          bool
)

var detectCmd = &cobra.Command{
	Use:   "detect",
	Short: "Run one detection request and print the result",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		req, err := buildDetectRequest(detectPhotoID, detectPhotoURL, detectCapabilities)
		if err != nil {
			return err
		}

		env, err := initEnv(ctx, "detect", detectFake)
		if err != nil {
			return err
		}
		defer env.Close()

		res, err := env.Pipeline.Run(ctx, req, detectCorrelationID)
		if err != nil {
			return eris.Wrap(err, "detect")
		}

		zap.L().Info("detection complete",
			zap.String("request_id", res.Response.RequestID),
			zap.String("status", string(res.Response.Status)),
			zap.Strings("tags", res.Record.TagNames()),
			zap.Bool("dead_lettered", res.Queued),
		)

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	},
}

func buildDetectRequest(photoID, photoURL string, capabilities []string) (model.DetectionRequest, error) {
	req := model.DetectionRequest{
		PhotoID:  photoID,
		PhotoURL: photoURL,
	}
	for _, c := range capabilities {
		capability := model.CapabilityType(strings.ToLower(strings.TrimSpace(c)))
		if !capability.Valid() {
			return req, eris.Errorf("unknown capability %q", c)
		}
		req.Capabilities = append(req.Capabilities, capability)
	}
	return req, nil
}

func init() {
	detectCmd.Flags().StringVar(&detectPhotoID, "photo-id", "", "photo identifier (required)")
	detectCmd.Flags().StringVar(&detectPhotoURL, "photo-url", "", "photo URL (required)")
	detectCmd.Flags().StringSliceVar(&detectCapabilities, "capabilities", []string{"damage", "material", "volume"}, "capabilities to run")
	detectCmd.Flags().StringVar(&detectCorrelationID, "correlation-id", "", "correlation id (default derived from request id)")
	detectCmd.Flags().BoolVar(&detectFake, "fake", false, "use in-process fake engines")
	_ = detectCmd.MarkFlagRequired("photo-id")
	_ = detectCmd.MarkFlagRequired("photo-url")
	rootCmd.AddCommand(detectCmd)
}
