// Command sharecheck reports thread-bound GPU resources shared between
// goroutines. Run it directly or as go vet -vettool=$(which sharecheck).
package main

import (
	"golang.org/x/tools/go/analysis/singlechecker"

	"github.com/23skdu/gpures/internal/analysis/sharecheck"
)

func main() {
	singlechecker.Main(sharecheck.Analyzer)
}
