package requestidlint_test

import (
	"testing"

	"github.com/flyingrobots/drip-gateway/tools/requestidlint"
	"golang.org/x/tools/go/analysis/analysistest"
)

func TestAnalyzer(t *testing.T) {
	analysistest.Run(t, analysistest.TestData(), requestidlint.Analyzer, "internal/ingress/good", "internal/ingress/bad")
}
