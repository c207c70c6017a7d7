// internal/app/helpers.go
package app

func logBanner(clientDir, cfgPath string) {
	log.Info("────────────────────────────────────────")
	log.Info("WatchWire client scope")
	log.Infof(" Client folder : %s", clientDir)
	log.Infof(" Config file   : %s", cfgPath)
	log.Info("")
	log.Info(" This process represents ONE viewer.")
	log.Info(" The client folder is the viewer's boundary.")
	log.Info(" Different folder/config = different viewer.")
	log.Info("────────────────────────────────────────")
}
