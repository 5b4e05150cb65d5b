package room

import (
	"fmt"

	"github.com/hilthontt/dropchat/internal/domain"
	"github.com/hilthontt/dropchat/internal/infrastructure/validate"
)

const (
	maxRoomNameLength = 80
	maxUserNameLength = 40
	maxContentLength  = 4000
)

var (
	validateRoomName = validate.Field("name",
		validate.Required(),
		validate.MaxLength(maxRoomNameLength),
		validate.Printable(),
	)
	validateUserName = validate.Field("userName",
		validate.Required(),
		validate.MaxLength(maxUserNameLength),
		validate.Printable(),
	)
	validateSenderName = validate.Field("senderName",
		validate.MaxLength(maxUserNameLength),
		validate.Printable(),
	)
	validateContent = validate.Field("content",
		validate.MaxLength(maxContentLength),
	)
)

func invalid(err error) error {
	return fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
}

// ValidateUserName applies the join rules to a name arriving outside the use
// case, such as a stream's userName.
func ValidateUserName(userName string) error {
	if err := validateUserName(userName); err != nil {
		return invalid(err)
	}
	return nil
}
