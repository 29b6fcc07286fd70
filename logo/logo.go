package logo

import (
	"github.com/pterm/pterm"
	"github.com/pterm/pterm/putils"
)

func Display() {
	s, _ := pterm.DefaultBigText.WithLetters(
		putils.LettersFromStringWithStyle("R", pterm.FgCyan.ToStyle()),
		putils.LettersFromStringWithStyle("elayer", pterm.FgLightMagenta.ToStyle())).Srender()
	pterm.DefaultCenter.Println(s)
	pterm.DefaultCenter.WithCenterEachLineSeparately().
		Println("Gasless Safe transfers\nsigned by session keys\nrelayed and paid by the relayer.")
}
