package collect

import (
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/sshcollectorpro/remotecollect/pkg/collecterr"
)

var validate = validator.New()

// Target 被采集主机与凭据
type Target struct {
	Host       string `json:"host" mapstructure:"host" validate:"required,hostname_rfc1123|ip"`
	Port       int    `json:"port" mapstructure:"port" validate:"omitempty,min=1,max=65535"`
	Username   string `json:"username" mapstructure:"username"`
	Password   string `json:"-" mapstructure:"password"`
	KeyFile    string `json:"key_file,omitempty" mapstructure:"key_file" validate:"omitempty,file"`
	PrivateKey string `json:"-" mapstructure:"private_key"`
	Passphrase string `json:"-" mapstructure:"passphrase"`
}

// validateTarget 校验失败返回 InvalidCommand，连接前即可发现参数问题
func validateTarget(t Target) error {
	if err := validate.Struct(t); err != nil {
		var fields []string
		if verrs, ok := err.(validator.ValidationErrors); ok {
			for _, fe := range verrs {
				fields = append(fields, fe.Field()+":"+fe.Tag())
			}
		} else {
			fields = append(fields, err.Error())
		}
		return collecterr.InvalidCommand("validate", "", "invalid target (%s)", strings.Join(fields, ", "))
	}
	return nil
}
