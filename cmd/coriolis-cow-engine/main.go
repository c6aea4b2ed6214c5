// Copyright 2019 Cloudbase Solutions Srl
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package main

import (
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"coriolis-cow-engine/apiserver/controllers"
	"coriolis-cow-engine/apiserver/routers"
	"coriolis-cow-engine/config"
	"coriolis-cow-engine/manager"
	"coriolis-cow-engine/util"
)

var (
	conf    = flag.String("config", config.DefaultConfigFile, "engine config file")
	version = flag.Bool("version", false, "prints version")
)

var Version string

func main() {
	flag.Parse()
	if *version {
		fmt.Println(Version)
		return
	}

	stop := make(chan os.Signal, 2)
	signal.Notify(stop, syscall.SIGTERM)
	signal.Notify(stop, syscall.SIGINT)

	cfg, err := config.ParseConfig(*conf)
	if err != nil {
		log.Fatalf("failed to parse config %s: %q", *conf, err)
	}

	logWriter, err := util.GetLoggingWriter(cfg)
	if err != nil {
		log.Fatal(err)
	}
	log.SetOutput(logWriter)

	mgr, err := manager.NewManager(cfg)
	if err != nil {
		log.Fatalf("failed to create manager: %q", err)
	}
	if err := mgr.Start(); err != nil {
		log.Fatalf("failed to start manager: %q", err)
	}
	defer mgr.Stop()

	controller, err := controllers.NewAPIController(mgr)
	if err != nil {
		log.Fatalf("failed to create controller: %+v", err)
	}

	router := routers.NewAPIRouter(controller, logWriter)

	srv := &http.Server{
		Addr: cfg.APIServer.BindAddress(),
		// Pass our instance of gorilla/mux in.
		Handler: router,
	}

	if cfg.APIServer.TLSConfig.UseTLS() {
		tlsCfg, err := cfg.APIServer.TLSConfig.TLSConfig()
		if err != nil {
			log.Fatalf("failed to get TLS config: %q", err)
		}
		srv.TLSConfig = tlsCfg

		go func() {
			if err := srv.ListenAndServeTLS(
				cfg.APIServer.TLSConfig.Cert,
				cfg.APIServer.TLSConfig.Key); err != nil {

				log.Fatal(err)
			}
		}()
	} else {
		go func() {
			if err := srv.ListenAndServe(); err != nil {
				log.Fatal(err)
			}
		}()
	}

	<-stop
}
