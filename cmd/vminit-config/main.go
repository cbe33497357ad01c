// Command vminit-config prints the default (zero-value) user-data document
// as YAML without booting a VM. Mirrors the teacher's own --config flag.
// Every UserData field is tagged omitempty, so the printed document is empty
// and does not list the recognized keys.
package main

import (
	"bytes"
	"fmt"
	"log"
	"os"

	"github.com/duffcloud/vminit/pkg/spec"
	"github.com/integrii/flaggy"
	"github.com/jesseduffield/yaml"
)

func main() {
	flaggy.SetName("vminit-config")
	flaggy.SetDescription("Prints the default (empty) vminit user-data document")
	flaggy.Parse()

	var buf bytes.Buffer
	encoder := yaml.NewEncoder(&buf)
	if err := encoder.Encode(spec.UserData{}); err != nil {
		log.Fatal(err.Error())
	}
	fmt.Print(buf.String())
	os.Exit(0)
}
