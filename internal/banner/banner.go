package banner

import (
	"surgeq/internal/tui/styles"

	"github.com/charmbracelet/lipgloss"
)

const ascii = `
   _____                       ____ 
  / ___/__  ___________ ____  / __ \
  \__ \/ / / / ___/ __ '/ _ \/ / / /
 ___/ / /_/ / /  / /_/ /  __/ /_/ / 
/____/\__,_/_/   \__, /\___/\___\_\ 
                /____/              `

func GetString() string {
	renderer := lipgloss.DefaultRenderer()

	style := renderer.NewStyle().
		Foreground(styles.ColorBanner).
		Bold(true)

	return "\n" + style.Render(ascii) + "\n"
}
