package launchspec

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"
	"text/template"

	"github.com/spotbuild/spotbuild/internal/domain"
)

const (
	scriptPath = "/home/ubuntu/build.sh"
	argsPath   = "/home/ubuntu/build_args"
)

var bootstrapTemplate = template.Must(template.New("cloud-config").Parse(`#cloud-config
output : { all : '| tee -a /var/log/cloud-init-output.log' }

repo_update: true
repo_upgrade: all
packages:
- awscli

runcmd:
- [ bash, -c, "sudo -u ubuntu aws s3 --region {{.HomeRegion}} cp {{.ScriptLocation}} {{.ScriptPath}}" ]
- [ bash, -c, "echo \"{{range $i, $p := .Parameters}}{{if $i}} {{end}}{{$p.Name}}={{$p.Value}}{{end}}\" > {{.ArgsPath}}" ]
- [ bash, -c, "sudo -u ubuntu bash {{.ScriptPath}}{{range .Parameters}} \"{{.Value}}\"{{end}}" ]
`))

// safeValue restricts everything interpolated into the shell commands.
var safeValue = regexp.MustCompile(`^[A-Za-z0-9._:+/~@=-]+$`)

type bootstrapData struct {
	HomeRegion     string
	ScriptLocation string
	ScriptPath     string
	ArgsPath       string
	Parameters     []domain.BuildParameter
}

// RenderBootstrap renders the cloud-config that fetches the build driver,
// records the build parameters and starts the build with them in order.
func RenderBootstrap(homeRegion, scriptLocation string, params []domain.BuildParameter) ([]byte, error) {
	var bad []string
	check := func(name, value string) {
		if !safeValue.MatchString(value) {
			bad = append(bad, fmt.Sprintf("%s=%q", name, value))
		}
	}
	check("home_region", homeRegion)
	check("script_location", scriptLocation)
	for _, p := range params {
		check(p.Name, p.Value)
	}
	if len(bad) > 0 {
		return nil, fmt.Errorf("unsafe bootstrap values: %s", strings.Join(bad, ", "))
	}

	var buf bytes.Buffer
	err := bootstrapTemplate.Execute(&buf, bootstrapData{
		HomeRegion:     homeRegion,
		ScriptLocation: scriptLocation,
		ScriptPath:     scriptPath,
		ArgsPath:       argsPath,
		Parameters:     params,
	})
	if err != nil {
		return nil, fmt.Errorf("render bootstrap: %w", err)
	}
	return buf.Bytes(), nil
}
