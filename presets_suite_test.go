package edge_test

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestPresets(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Presets Suite")
}
